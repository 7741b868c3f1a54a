package message

import (
	"fmt"
	"strings"

	"github.com/joshuafuller/flyweb/internal/bytebuf"
	"github.com/joshuafuller/flyweb/internal/errors"
)

// Name limits per RFC 1035 §3.1.
const (
	maxLabelLength = 63
	maxNameLength  = 255

	// maxPointerHops bounds how many compression pointers one name may follow.
	// Pointers must also point strictly backward, but a backward pointer can
	// still land before a label run that leads to the same pointer again.
	maxPointerHops = 16

	// pointerMask marks a label length byte as a compression pointer (RFC 1035 §4.1.4).
	pointerMask = 0xC0
)

// ParseName decodes the domain name starting at offset in data, following
// compression pointers into earlier parts of data.
//
// It returns the dotted name (no trailing dot, "" for the root) and the offset
// of the first byte after the name as it appears at offset, i.e. just past the
// terminating zero or past the first compression pointer.
//
// RFC 1035 §4.1.4: a length byte whose top two bits are 11 is a pointer; the
// remaining 14 bits are an absolute offset into the same message.
func ParseName(data []byte, offset int) (string, int, error) {
	if offset < 0 || offset >= len(data) {
		return "", offset, &errors.WireFormatError{
			Operation: "parse name",
			Message:   fmt.Sprintf("offset out of bounds: %d (message is %d bytes)", offset, len(data)),
		}
	}

	r := bytebuf.From(data).Reader(offset)
	name, err := readName(r)
	if err != nil {
		return "", offset, err
	}
	return name, r.Offset(), nil
}

// readName decodes a name at r's offset. r is left just past the name's
// in-place encoding; pointer targets are walked with separate readers over the
// same buffer so r itself never moves backward.
func readName(r *bytebuf.Reader) (string, error) {
	var labels []string
	wireLength := 0
	hops := 0
	cur := r

	for {
		pos := cur.Offset()
		length, ok := cur.Value(1)
		if !ok {
			return "", &errors.WireFormatError{
				Operation: "parse name",
				Message:   fmt.Sprintf("truncated name at offset %d", pos),
			}
		}

		switch {
		case length == 0:
			return strings.Join(labels, "."), nil

		case length&pointerMask == pointerMask:
			low, ok := cur.Value(1)
			if !ok {
				return "", &errors.WireFormatError{
					Operation: "parse name",
					Message:   fmt.Sprintf("truncated compression pointer at offset %d", pos),
				}
			}
			target := int(length&^pointerMask)<<8 | int(low)
			if target >= pos {
				return "", &errors.WireFormatError{
					Operation: "parse name",
					Message:   fmt.Sprintf("invalid compression pointer at offset %d: target %d does not point backward", pos, target),
				}
			}
			hops++
			if hops > maxPointerHops {
				return "", &errors.WireFormatError{
					Operation: "parse name",
					Message:   fmt.Sprintf("too many compression pointers (more than %d)", maxPointerHops),
				}
			}
			cur = cur.Buffer().Reader(target)

		case length > maxLabelLength:
			return "", &errors.WireFormatError{
				Operation: "parse name",
				Message:   fmt.Sprintf("label length %d exceeds maximum 63 bytes per RFC 1035 §3.1", length),
			}

		default:
			label, ok := cur.Bytes(int(length))
			if !ok {
				return "", &errors.WireFormatError{
					Operation: "parse name",
					Message:   fmt.Sprintf("truncated label at offset %d: need %d bytes, have %d", pos+1, length, cur.Remaining()),
				}
			}
			wireLength += 1 + int(length)
			if wireLength+1 > maxNameLength {
				return "", &errors.WireFormatError{
					Operation: "parse name",
					Message:   "name length exceeds maximum 255 bytes per RFC 1035 §3.1",
				}
			}
			labels = append(labels, string(label))
		}
	}
}

// EncodeName encodes a dotted name as uncompressed length-prefixed labels
// followed by the zero-length root label. A trailing dot is accepted; "" and
// "." encode the root.
//
// Label contents are not restricted to hostname characters: DNS-SD instance
// labels carry arbitrary UTF-8 (RFC 6763 §4.3).
func EncodeName(name string) ([]byte, error) {
	b := bytebuf.New(len(name) + 2)
	if err := appendName(b, name); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// appendName writes name to b. Names are never compressed on output.
func appendName(b *bytebuf.Buffer, name string) error {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		b.Push(0, 1)
		return nil
	}

	labels := strings.Split(name, ".")
	total := 1
	for _, label := range labels {
		if label == "" {
			return &errors.ValidationError{
				Field:   "name",
				Value:   name,
				Message: "empty label",
			}
		}
		if len(label) > maxLabelLength {
			return &errors.ValidationError{
				Field:   "name",
				Value:   name,
				Message: fmt.Sprintf("label %q exceeds maximum length 63 bytes per RFC 1035 §3.1", label),
			}
		}
		total += 1 + len(label)
	}
	if total > maxNameLength {
		return &errors.ValidationError{
			Field:   "name",
			Value:   name,
			Message: fmt.Sprintf("encoded length %d exceeds maximum 255 bytes per RFC 1035 §3.1", total),
		}
	}

	for _, label := range labels {
		b.Push(uint32(len(label)), 1)
		b.AppendString(label)
	}
	b.Push(0, 1)
	return nil
}
