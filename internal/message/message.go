// Package message implements the DNS-SD packet codec: the header, question and
// resource-record sections, and the PTR, SRV, TXT and A record data formats.
//
// Parsing accepts compressed names (RFC 1035 §4.1.4). Serialization never
// compresses. Every packet starts with a 16-bit zero ID; packets with any other
// prefix are rejected.
package message

import (
	"fmt"

	"github.com/joshuafuller/flyweb/internal/bytebuf"
	"github.com/joshuafuller/flyweb/internal/errors"
	"github.com/joshuafuller/flyweb/internal/protocol"
)

// headerSize is the fixed DNS header length (RFC 1035 §4.1.1).
const headerSize = 12

// Flags is the decoded 16-bit header flags word.
//
// Bit layout, most significant first: QR(15) OPCODE(14-11) AA(10) TC(9) RD(8)
// RA(7) Z(6) AD(5) CD(4) RCODE(3-0).
type Flags struct {
	QR     uint8
	Opcode uint8
	AA     uint8
	TC     uint8
	RD     uint8
	RA     uint8
	Z      uint8
	AD     uint8
	CD     uint8
	RCode  uint8
}

// FlagsFromValue decodes a flags word.
func FlagsFromValue(v uint16) Flags {
	return Flags{
		QR:     uint8(v>>15) & 0x1,
		Opcode: uint8(v>>11) & 0xF,
		AA:     uint8(v>>10) & 0x1,
		TC:     uint8(v>>9) & 0x1,
		RD:     uint8(v>>8) & 0x1,
		RA:     uint8(v>>7) & 0x1,
		Z:      uint8(v>>6) & 0x1,
		AD:     uint8(v>>5) & 0x1,
		CD:     uint8(v>>4) & 0x1,
		RCode:  uint8(v) & 0xF,
	}
}

// Value encodes the flags word. Out-of-range field values are masked to their
// bit width.
func (f Flags) Value() uint16 {
	return uint16(f.QR&0x1)<<15 |
		uint16(f.Opcode&0xF)<<11 |
		uint16(f.AA&0x1)<<10 |
		uint16(f.TC&0x1)<<9 |
		uint16(f.RD&0x1)<<8 |
		uint16(f.RA&0x1)<<7 |
		uint16(f.Z&0x1)<<6 |
		uint16(f.AD&0x1)<<5 |
		uint16(f.CD&0x1)<<4 |
		uint16(f.RCode&0xF)
}

// IsResponse reports whether QR is set.
func (f Flags) IsResponse() bool {
	return f.QR == protocol.QRResponse
}

// QueryFlags returns the flags of an outgoing query.
func QueryFlags() Flags {
	return Flags{QR: protocol.QRQuery, Opcode: protocol.OpcodeQuery}
}

// ResponseFlags returns the flags of an authoritative answer.
func ResponseFlags() Flags {
	return Flags{QR: protocol.QRResponse, Opcode: protocol.OpcodeQuery, AA: 1}
}

// RecordHeader carries the fields shared by questions and resource records.
type RecordHeader struct {
	Name  string
	Type  protocol.RecordType
	Class protocol.Class
}

// Question is an entry of the question section.
type Question struct {
	RecordHeader
}

// NewQuestion returns an IN-class question.
func NewQuestion(name string, rtype protocol.RecordType) Question {
	return Question{RecordHeader{Name: name, Type: rtype, Class: protocol.ClassIN}}
}

// ResourceRecord is an entry of the answer, authority or additional section.
type ResourceRecord struct {
	RecordHeader
	TTL  uint32
	Data RData
}

// DNSMessage is a decoded packet.
type DNSMessage struct {
	Flags      Flags
	Questions  []Question
	Answers    []ResourceRecord
	Authority  []ResourceRecord
	Additional []ResourceRecord
}

// NewQuery returns a query message with a single question.
func NewQuery(name string, rtype protocol.RecordType) *DNSMessage {
	return &DNSMessage{
		Flags:     QueryFlags(),
		Questions: []Question{NewQuestion(name, rtype)},
	}
}

// NewResponse returns an empty authoritative response.
func NewResponse() *DNSMessage {
	return &DNSMessage{Flags: ResponseFlags()}
}

// Records returns answers, authority and additional records in that order.
func (m *DNSMessage) Records() []ResourceRecord {
	out := make([]ResourceRecord, 0, len(m.Answers)+len(m.Authority)+len(m.Additional))
	out = append(out, m.Answers...)
	out = append(out, m.Authority...)
	return append(out, m.Additional...)
}

// ParseMessage decodes a packet.
//
// It returns a *errors.WireFormatError when the packet does not start with two
// zero bytes or when any section is truncated or malformed.
func ParseMessage(data []byte) (*DNSMessage, error) {
	buf := bytebuf.From(data)
	r := buf.Reader(0)

	if len(data) < headerSize {
		return nil, &errors.WireFormatError{
			Operation: "parse message",
			Field:     "header",
			Message:   fmt.Sprintf("message too short: %d bytes, need at least %d", len(data), headerSize),
		}
	}

	id, _ := r.Value(2)
	if id != 0 {
		return nil, &errors.WireFormatError{
			Operation: "parse message",
			Field:     "header",
			Message:   fmt.Sprintf("unexpected message prefix 0x%04x, want 0x0000", id),
		}
	}

	flags, _ := r.Value(2)
	var counts [4]int
	for i := range counts {
		c, _ := r.Value(2)
		counts[i] = int(c)
	}

	msg := &DNSMessage{Flags: FlagsFromValue(uint16(flags))}

	if counts[0] > 0 {
		msg.Questions = make([]Question, 0, capHint(counts[0]))
	}
	for i := 0; i < counts[0]; i++ {
		q, err := readQuestion(r)
		if err != nil {
			return nil, err
		}
		msg.Questions = append(msg.Questions, q)
	}

	sections := []*[]ResourceRecord{&msg.Answers, &msg.Authority, &msg.Additional}
	for s, section := range sections {
		n := counts[s+1]
		if n > 0 {
			*section = make([]ResourceRecord, 0, capHint(n))
		}
		for i := 0; i < n; i++ {
			rr, err := readResource(r)
			if err != nil {
				return nil, err
			}
			*section = append(*section, rr)
		}
	}

	return msg, nil
}

// capHint bounds preallocation by a header count a peer controls.
func capHint(n int) int {
	if n > 16 {
		return 16
	}
	return n
}

func readQuestion(r *bytebuf.Reader) (Question, error) {
	name, err := readName(r)
	if err != nil {
		return Question{}, err
	}
	rtype, ok1 := r.Value(2)
	class, ok2 := r.Value(2)
	if !ok1 || !ok2 {
		return Question{}, &errors.WireFormatError{
			Operation: "parse question",
			Field:     name,
			Message:   "truncated question type/class",
		}
	}
	return Question{RecordHeader{
		Name:  name,
		Type:  protocol.RecordType(rtype),
		Class: protocol.Class(class),
	}}, nil
}

func readResource(r *bytebuf.Reader) (ResourceRecord, error) {
	name, err := readName(r)
	if err != nil {
		return ResourceRecord{}, err
	}

	rtype, ok1 := r.Value(2)
	class, ok2 := r.Value(2)
	ttl, ok3 := r.Value(4)
	rdlen, ok4 := r.Value(2)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return ResourceRecord{}, &errors.WireFormatError{
			Operation: "parse resource record",
			Field:     name,
			Message:   "truncated record header",
		}
	}

	start := r.Offset()
	raw, ok := r.Bytes(int(rdlen))
	if !ok {
		return ResourceRecord{}, &errors.WireFormatError{
			Operation: "parse resource record",
			Field:     name,
			Message:   fmt.Sprintf("truncated record data: need %d bytes, have %d", rdlen, r.Remaining()),
		}
	}

	rr := ResourceRecord{
		RecordHeader: RecordHeader{
			Name:  name,
			Type:  protocol.RecordType(rtype),
			Class: protocol.Class(class),
		},
		TTL: ttl,
	}
	rr.Data, err = parseRData(r.Buffer(), rr.Type, start, raw)
	if err != nil {
		return ResourceRecord{}, err
	}
	return rr, nil
}

// Serialize encodes the message without name compression.
//
// It returns a *errors.ValidationError when a name, TXT string, address or
// section does not fit the wire format.
func (m *DNSMessage) Serialize() ([]byte, error) {
	b := bytebuf.New(512)

	b.Push(0, 2)
	b.Push(uint32(m.Flags.Value()), 2)

	counts := []int{len(m.Questions), len(m.Answers), len(m.Authority), len(m.Additional)}
	for _, c := range counts {
		if c > 0xFFFF {
			return nil, &errors.ValidationError{
				Field:   "section",
				Value:   c,
				Message: "more than 65535 entries",
			}
		}
		b.Push(uint32(c), 2)
	}

	for _, q := range m.Questions {
		if err := appendName(b, q.Name); err != nil {
			return nil, err
		}
		b.Push(uint32(q.Type), 2)
		b.Push(uint32(q.Class), 2)
	}

	for _, section := range [][]ResourceRecord{m.Answers, m.Authority, m.Additional} {
		for i := range section {
			if err := appendResource(b, &section[i]); err != nil {
				return nil, err
			}
		}
	}

	return b.Bytes(), nil
}

func appendResource(b *bytebuf.Buffer, rr *ResourceRecord) error {
	if err := appendName(b, rr.Name); err != nil {
		return err
	}
	b.Push(uint32(rr.Type), 2)
	b.Push(uint32(rr.Class), 2)
	b.Push(rr.TTL, 4)

	rdata := bytebuf.New(64)
	if rr.Data != nil {
		if err := rr.Data.encode(rdata); err != nil {
			return err
		}
	}
	if rdata.Len() > 0xFFFF {
		return &errors.ValidationError{
			Field:   "rdata",
			Value:   rr.Name,
			Message: fmt.Sprintf("record data is %d bytes, maximum 65535", rdata.Len()),
		}
	}
	b.Push(uint32(rdata.Len()), 2)
	b.Append(rdata.Bytes())
	return nil
}
