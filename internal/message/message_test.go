package message

import (
	"bytes"
	goerrors "errors"
	"reflect"
	"strings"
	"testing"

	"github.com/joshuafuller/flyweb/internal/errors"
	"github.com/joshuafuller/flyweb/internal/protocol"
)

// TestSerialize_PTRQuery validates the header layout of an outgoing query: a
// zero ID, a flags word with QR=0, and one question.
func TestSerialize_PTRQuery(t *testing.T) {
	msg := NewQuery(protocol.FlyWebServiceType, protocol.RecordTypePTR)

	data, err := msg.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	wantHeader := []byte{
		0x00, 0x00, // ID
		0x00, 0x00, // flags, QR=0
		0x00, 0x01, // QDCOUNT
		0x00, 0x00, // ANCOUNT
		0x00, 0x00, // NSCOUNT
		0x00, 0x00, // ARCOUNT
	}
	if !bytes.Equal(data[:headerSize], wantHeader) {
		t.Fatalf("header = % x, want % x", data[:headerSize], wantHeader)
	}

	name, _ := EncodeName(protocol.FlyWebServiceType)
	wantQuestion := append(name, 0x00, 0x0C, 0x00, 0x01)
	if !bytes.Equal(data[headerSize:], wantQuestion) {
		t.Errorf("question = % x, want % x", data[headerSize:], wantQuestion)
	}
}

func TestFlags_BitLayout(t *testing.T) {
	tests := []struct {
		name  string
		flags Flags
		value uint16
	}{
		{name: "query", flags: Flags{}, value: 0x0000},
		{name: "QR", flags: Flags{QR: 1}, value: 0x8000},
		{name: "opcode", flags: Flags{Opcode: 0xF}, value: 0x7800},
		{name: "AA", flags: Flags{AA: 1}, value: 0x0400},
		{name: "TC", flags: Flags{TC: 1}, value: 0x0200},
		{name: "RD", flags: Flags{RD: 1}, value: 0x0100},
		{name: "RA", flags: Flags{RA: 1}, value: 0x0080},
		{name: "Z", flags: Flags{Z: 1}, value: 0x0040},
		{name: "AD", flags: Flags{AD: 1}, value: 0x0020},
		{name: "CD", flags: Flags{CD: 1}, value: 0x0010},
		{name: "RCODE", flags: Flags{RCode: 0xF}, value: 0x000F},
		{name: "authoritative response", flags: ResponseFlags(), value: 0x8400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.flags.Value(); got != tt.value {
				t.Errorf("Value() = %#04x, want %#04x", got, tt.value)
			}
			if got := FlagsFromValue(tt.value); got != tt.flags {
				t.Errorf("FlagsFromValue(%#04x) = %+v, want %+v", tt.value, got, tt.flags)
			}
		})
	}
}

// TestMessage_RoundTrip validates that every record variant survives
// Serialize followed by ParseMessage.
func TestMessage_RoundTrip(t *testing.T) {
	const location = "Kitchen Display._flyweb._tcp.local"

	msg := NewResponse()
	msg.Questions = []Question{NewQuestion(protocol.FlyWebServiceType, protocol.RecordTypePTR)}
	msg.Answers = []ResourceRecord{NewPTR(protocol.FlyWebServiceType, location)}
	msg.Additional = []ResourceRecord{
		NewSRV(location, "Kitchen Display.local", 8080),
		NewA("Kitchen Display.local", "192.168.1.20"),
		NewTXT(location, []string{"path=/", "owner=alice"}),
	}
	msg.Authority = []ResourceRecord{{
		RecordHeader: RecordHeader{Name: "x.local", Type: protocol.RecordTypeAAAA, Class: protocol.ClassIN},
		TTL:          120,
		Data:         RawData{RecordType: protocol.RecordTypeAAAA, Bytes: bytes.Repeat([]byte{0xFE}, 16)},
	}}

	data, err := msg.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	got, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	if !reflect.DeepEqual(got, msg) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, msg)
	}
}

// TestParseMessage_CompressedRData validates that names inside PTR and SRV
// data may point back into earlier parts of the packet.
func TestParseMessage_CompressedRData(t *testing.T) {
	data := []byte{
		0x00, 0x00, 0x84, 0x00, // ID, flags
		0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00, // AN=2
		// Offset 12: "_flyweb._tcp.local"
		0x07, '_', 'f', 'l', 'y', 'w', 'e', 'b',
		0x04, '_', 't', 'c', 'p',
		0x05, 'l', 'o', 'c', 'a', 'l', 0x00,
		0x00, 0x0C, 0x00, 0x01, // PTR IN
		0x00, 0x00, 0x00, 0x0A, // TTL 10
		0x00, 0x06, // RDLENGTH
		// Offset 42: "srv" + ptr(12)
		0x03, 's', 'r', 'v', 0xC0, 0x0C,
		// SRV record named by ptr(42)
		0xC0, 0x2A,
		0x00, 0x21, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x0A,
		0x00, 0x08,
		0x00, 0x00, 0x00, 0x00, 0x1F, 0x90, // priority, weight, port 8080
		0xC0, 0x19, // target ptr(25) -> "local"
	}

	msg, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if len(msg.Answers) != 2 {
		t.Fatalf("got %d answers, want 2", len(msg.Answers))
	}

	if loc := msg.Answers[0].AsPTR(); loc != "srv._flyweb._tcp.local" {
		t.Errorf("PTR location = %q", loc)
	}
	srv := msg.Answers[1].AsSRV()
	if srv == nil {
		t.Fatalf("second answer is %T, want SRVData", msg.Answers[1].Data)
	}
	if msg.Answers[1].Name != "srv._flyweb._tcp.local" || srv.Port != 8080 || srv.Target != "local" {
		t.Errorf("SRV = %q %+v", msg.Answers[1].Name, *srv)
	}
}

func TestParseMessage_Rejects(t *testing.T) {
	valid, err := NewQuery(protocol.FlyWebServiceType, protocol.RecordTypePTR).Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	tests := []struct {
		name   string
		data   []byte
		errMsg string
	}{
		{
			name:   "short header",
			data:   []byte{0x00, 0x00, 0x00},
			errMsg: "message too short",
		},
		{
			name:   "non-zero prefix",
			data:   append([]byte{0x12, 0x34}, valid[2:]...),
			errMsg: "unexpected message prefix",
		},
		{
			name:   "truncated question",
			data:   valid[:len(valid)-2],
			errMsg: "truncated question",
		},
		{
			name:   "count exceeds content",
			data:   []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00},
			errMsg: "truncated name",
		},
		{
			name: "rdata shorter than RDLENGTH",
			data: []byte{
				0x00, 0x00, 0x84, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00,
				0x00,
				0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x0A,
				0x00, 0x04, 0x0A, 0x00,
			},
			errMsg: "truncated record data",
		},
		{
			name: "A record with wrong length",
			data: []byte{
				0x00, 0x00, 0x84, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00,
				0x00,
				0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x0A,
				0x00, 0x03, 0x0A, 0x00, 0x00,
			},
			errMsg: "want 4",
		},
		{
			name: "PTR name overruns RDLENGTH",
			data: []byte{
				0x00, 0x00, 0x84, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00,
				0x00,
				0x00, 0x0C, 0x00, 0x01, 0x00, 0x00, 0x00, 0x0A,
				0x00, 0x02, 0x01, 'a', 0x00,
			},
			errMsg: "past record data",
		},
		{
			name: "TXT string overruns data",
			data: []byte{
				0x00, 0x00, 0x84, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00,
				0x00,
				0x00, 0x10, 0x00, 0x01, 0x00, 0x00, 0x00, 0x0A,
				0x00, 0x03, 0x05, 'a', 'b',
			},
			errMsg: "truncated string",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage(tt.data)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.errMsg)
			}
			var wireErr *errors.WireFormatError
			if !goerrors.As(err, &wireErr) {
				t.Errorf("expected WireFormatError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected error containing %q, got: %v", tt.errMsg, err)
			}
		})
	}
}

// TestParseTXT_ZeroLengthTerminates validates that a zero length byte ends
// the TXT strings instead of producing an empty entry.
func TestParseTXT_ZeroLengthTerminates(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want []string
	}{
		{name: "empty", raw: nil, want: nil},
		{name: "single zero byte", raw: []byte{0x00}, want: nil},
		{name: "two strings", raw: []byte{0x03, 'a', '=', 'b', 0x01, 'c'}, want: []string{"a=b", "c"}},
		{name: "stops at zero", raw: []byte{0x01, 'x', 0x00, 0x01, 'y'}, want: []string{"x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTXT(tt.raw)
			if err != nil {
				t.Fatalf("parseTXT() error = %v", err)
			}
			if parts := got.(TXTData).Parts; !reflect.DeepEqual(parts, tt.want) {
				t.Errorf("parts = %q, want %q", parts, tt.want)
			}
		})
	}
}

func TestSerialize_Validation(t *testing.T) {
	tests := []struct {
		name string
		rr   ResourceRecord
	}{
		{name: "bad IPv4", rr: NewA("h.local", "not-an-ip")},
		{name: "IPv6 in A record", rr: NewA("h.local", "fe80::1")},
		{name: "TXT string too long", rr: NewTXT("s.local", []string{strings.Repeat("x", 256)})},
		{name: "empty label", rr: NewPTR("a..local", "b.local")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewResponse()
			msg.Answers = []ResourceRecord{tt.rr}
			_, err := msg.Serialize()

			var valErr *errors.ValidationError
			if !goerrors.As(err, &valErr) {
				t.Errorf("Serialize() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestResourceRecord_Accessors(t *testing.T) {
	ptr := NewPTR("_flyweb._tcp.local", "a._flyweb._tcp.local")
	if ptr.AsPTR() != "a._flyweb._tcp.local" || ptr.AsSRV() != nil || ptr.AsA() != "" || ptr.AsTXT() != nil {
		t.Errorf("PTR accessors wrong: %+v", ptr)
	}
	srv := NewSRV("a._flyweb._tcp.local", "a.local", 80)
	if s := srv.AsSRV(); s == nil || s.Port != 80 || s.Target != "a.local" {
		t.Errorf("AsSRV() = %+v", s)
	}
	if ip := NewA("a.local", "10.0.0.1").AsA(); ip != "10.0.0.1" {
		t.Errorf("AsA() = %q", ip)
	}
	if txt := NewTXT("a", []string{"k=v"}).AsTXT(); len(txt) != 1 || txt[0] != "k=v" {
		t.Errorf("AsTXT() = %q", txt)
	}
}
