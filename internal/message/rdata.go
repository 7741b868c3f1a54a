package message

import (
	"fmt"
	"net"

	"github.com/joshuafuller/flyweb/internal/bytebuf"
	"github.com/joshuafuller/flyweb/internal/errors"
	"github.com/joshuafuller/flyweb/internal/protocol"
)

// maxTXTString is the longest single character-string (RFC 1035 §3.3).
const maxTXTString = 255

// RData is the typed data of a resource record.
type RData interface {
	// Type returns the record type the data belongs to.
	Type() protocol.RecordType

	encode(b *bytebuf.Buffer) error
}

// PTRData points a service type at one instance (RFC 6763 §4.1).
type PTRData struct {
	Location string
}

// SRVData locates a service instance on a host (RFC 2782).
type SRVData struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

// TXTData holds the character-strings of a TXT record, each normally "key=value".
type TXTData struct {
	Parts []string
}

// AData holds an IPv4 address in dotted-quad form.
type AData struct {
	IP string
}

// RawData holds the bytes of a record type the codec does not interpret.
type RawData struct {
	RecordType protocol.RecordType
	Bytes      []byte
}

func (PTRData) Type() protocol.RecordType   { return protocol.RecordTypePTR }
func (SRVData) Type() protocol.RecordType   { return protocol.RecordTypeSRV }
func (TXTData) Type() protocol.RecordType   { return protocol.RecordTypeTXT }
func (AData) Type() protocol.RecordType     { return protocol.RecordTypeA }
func (d RawData) Type() protocol.RecordType { return d.RecordType }

func (d PTRData) encode(b *bytebuf.Buffer) error {
	return appendName(b, d.Location)
}

func (d SRVData) encode(b *bytebuf.Buffer) error {
	b.Push(uint32(d.Priority), 2)
	b.Push(uint32(d.Weight), 2)
	b.Push(uint32(d.Port), 2)
	return appendName(b, d.Target)
}

func (d TXTData) encode(b *bytebuf.Buffer) error {
	for _, part := range d.Parts {
		if len(part) > maxTXTString {
			return &errors.ValidationError{
				Field:   "txt",
				Value:   part,
				Message: fmt.Sprintf("string is %d bytes, maximum %d", len(part), maxTXTString),
			}
		}
		b.Push(uint32(len(part)), 1)
		b.AppendString(part)
	}
	return nil
}

func (d AData) encode(b *bytebuf.Buffer) error {
	ip := net.ParseIP(d.IP).To4()
	if ip == nil {
		return &errors.ValidationError{
			Field:   "ip",
			Value:   d.IP,
			Message: "not an IPv4 address",
		}
	}
	b.Append(ip)
	return nil
}

func (d RawData) encode(b *bytebuf.Buffer) error {
	b.Append(d.Bytes)
	return nil
}

// parseRData decodes record data. raw is the RDLENGTH bytes at start; names
// inside PTR and SRV data are read against the whole packet so compression
// pointers resolve.
func parseRData(packet *bytebuf.Buffer, rtype protocol.RecordType, start int, raw []byte) (RData, error) {
	switch rtype {
	case protocol.RecordTypePTR:
		r := packet.Reader(start)
		loc, err := readName(r)
		if err != nil {
			return nil, err
		}
		if err := checkWithin(r, start, len(raw), "PTR"); err != nil {
			return nil, err
		}
		return PTRData{Location: loc}, nil

	case protocol.RecordTypeSRV:
		if len(raw) < 7 {
			return nil, &errors.WireFormatError{
				Operation: "parse record data",
				Field:     "SRV",
				Message:   fmt.Sprintf("record data is %d bytes, need at least 7", len(raw)),
			}
		}
		r := packet.Reader(start)
		priority, _ := r.Value(2)
		weight, _ := r.Value(2)
		port, _ := r.Value(2)
		target, err := readName(r)
		if err != nil {
			return nil, err
		}
		if err := checkWithin(r, start, len(raw), "SRV"); err != nil {
			return nil, err
		}
		return SRVData{
			Priority: uint16(priority),
			Weight:   uint16(weight),
			Port:     uint16(port),
			Target:   target,
		}, nil

	case protocol.RecordTypeTXT:
		return parseTXT(raw)

	case protocol.RecordTypeA:
		if len(raw) != net.IPv4len {
			return nil, &errors.WireFormatError{
				Operation: "parse record data",
				Field:     "A",
				Message:   fmt.Sprintf("record data is %d bytes, want 4", len(raw)),
			}
		}
		return AData{IP: net.IP(raw).String()}, nil

	default:
		return RawData{RecordType: rtype, Bytes: append([]byte(nil), raw...)}, nil
	}
}

// parseTXT reads length-prefixed strings until the data ends or a zero length
// byte is read. A zero length is a terminator, not an error.
func parseTXT(raw []byte) (RData, error) {
	r := bytebuf.From(raw).Reader(0)
	var parts []string
	for {
		n, ok := r.Value(1)
		if !ok || n == 0 {
			break
		}
		part, ok := r.Bytes(int(n))
		if !ok {
			return nil, &errors.WireFormatError{
				Operation: "parse record data",
				Field:     "TXT",
				Message:   fmt.Sprintf("truncated string: need %d bytes, have %d", n, r.Remaining()),
			}
		}
		parts = append(parts, string(part))
	}
	return TXTData{Parts: parts}, nil
}

// checkWithin rejects names whose in-place encoding runs past RDLENGTH.
func checkWithin(r *bytebuf.Reader, start, length int, field string) error {
	if r.Offset() > start+length {
		return &errors.WireFormatError{
			Operation: "parse record data",
			Field:     field,
			Message:   fmt.Sprintf("name runs %d bytes past record data", r.Offset()-start-length),
		}
	}
	return nil
}

// NewPTR returns a PTR record with the default TTL.
func NewPTR(name, location string) ResourceRecord {
	return ResourceRecord{
		RecordHeader: RecordHeader{Name: name, Type: protocol.RecordTypePTR, Class: protocol.ClassIN},
		TTL:          protocol.DefaultTTL,
		Data:         PTRData{Location: location},
	}
}

// NewSRV returns an SRV record with zero priority and weight and the default TTL.
func NewSRV(name, target string, port uint16) ResourceRecord {
	return ResourceRecord{
		RecordHeader: RecordHeader{Name: name, Type: protocol.RecordTypeSRV, Class: protocol.ClassIN},
		TTL:          protocol.DefaultTTL,
		Data:         SRVData{Port: port, Target: target},
	}
}

// NewTXT returns a TXT record with the default TTL.
func NewTXT(name string, parts []string) ResourceRecord {
	return ResourceRecord{
		RecordHeader: RecordHeader{Name: name, Type: protocol.RecordTypeTXT, Class: protocol.ClassIN},
		TTL:          protocol.DefaultTTL,
		Data:         TXTData{Parts: parts},
	}
}

// NewA returns an A record with the default TTL.
func NewA(name, ip string) ResourceRecord {
	return ResourceRecord{
		RecordHeader: RecordHeader{Name: name, Type: protocol.RecordTypeA, Class: protocol.ClassIN},
		TTL:          protocol.DefaultTTL,
		Data:         AData{IP: ip},
	}
}

// AsPTR returns the PTR location, or "" if rr is not a PTR record.
func (rr ResourceRecord) AsPTR() string {
	if d, ok := rr.Data.(PTRData); ok {
		return d.Location
	}
	return ""
}

// AsSRV returns the SRV data, or nil if rr is not an SRV record.
func (rr ResourceRecord) AsSRV() *SRVData {
	if d, ok := rr.Data.(SRVData); ok {
		return &d
	}
	return nil
}

// AsTXT returns the TXT strings, or nil if rr is not a TXT record.
func (rr ResourceRecord) AsTXT() []string {
	if d, ok := rr.Data.(TXTData); ok {
		return d.Parts
	}
	return nil
}

// AsA returns the IPv4 address, or "" if rr is not an A record.
func (rr ResourceRecord) AsA() string {
	if d, ok := rr.Data.(AData); ok {
		return d.IP
	}
	return ""
}
