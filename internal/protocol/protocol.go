// Package protocol holds the wire constants of the DNS-SD-like discovery
// protocol: record types, class codes, header flag values, the multicast
// group and port, and well-known service names.
package protocol

import "fmt"

// Multicast group and port.
//
// FlyWeb deliberately runs on its own group and port so prototype traffic never
// collides with a real mDNS responder on the same host. The real mDNS pair is
// kept here for callers that want interop and pass it through options.
const (
	// MulticastAddrIPv4 is the default FlyWeb discovery group.
	MulticastAddrIPv4 = "224.0.1.253"

	// Port is the default FlyWeb discovery port.
	Port = 6363

	// MDNSMulticastAddrIPv4 is the RFC 6762 §5 mDNS group.
	MDNSMulticastAddrIPv4 = "224.0.0.251"

	// MDNSPort is the RFC 6762 §5 mDNS port.
	MDNSPort = 5353
)

// Well-known service names.
const (
	// ServiceEnumerationName is the DNS-SD meta-query name (RFC 6763 §9).
	ServiceEnumerationName = "_services._dns-sd._udp.local"

	// FlyWebServiceType is the service type FlyWeb servers advertise under.
	FlyWebServiceType = "_flyweb._tcp.local"

	// LocalDomain is appended to instance names to form SRV targets.
	LocalDomain = "local"
)

// DefaultTTL is the TTL given to resource records we build, in seconds.
const DefaultTTL uint32 = 10

// GoodbyeTTL marks a record as withdrawn (RFC 6762 §10.1).
const GoodbyeTTL uint32 = 0

// MaxMessageSize bounds datagrams we are willing to read.
const MaxMessageSize = 9000

// RecordType is a DNS resource record TYPE value (RFC 1035 §3.2.2).
type RecordType uint16

// Record types used by DNS-SD. Other values are carried through as raw data.
const (
	RecordTypeA    RecordType = 1
	RecordTypeNS   RecordType = 2
	RecordTypePTR  RecordType = 12
	RecordTypeTXT  RecordType = 16
	RecordTypeAAAA RecordType = 28
	RecordTypeSRV  RecordType = 33
	RecordTypeNSEC RecordType = 47
	RecordTypeANY  RecordType = 255
)

// String returns the mnemonic for the record type.
func (t RecordType) String() string {
	switch t {
	case RecordTypeA:
		return "A"
	case RecordTypeNS:
		return "NS"
	case RecordTypePTR:
		return "PTR"
	case RecordTypeTXT:
		return "TXT"
	case RecordTypeAAAA:
		return "AAAA"
	case RecordTypeSRV:
		return "SRV"
	case RecordTypeNSEC:
		return "NSEC"
	case RecordTypeANY:
		return "ANY"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}

// Class is a DNS CLASS value (RFC 1035 §3.2.4).
type Class uint16

// Class codes.
const (
	ClassIN   Class = 1
	ClassCS   Class = 2
	ClassCH   Class = 3
	ClassHS   Class = 4
	ClassNONE Class = 254
	ClassANY  Class = 255
)

// ClassMask strips the mDNS unicast-response / cache-flush bit (RFC 6762 §5.4, §10.2).
const ClassMask Class = 0x7FFF

// String returns the mnemonic for the class.
func (c Class) String() string {
	switch c & ClassMask {
	case ClassIN:
		return "IN"
	case ClassCS:
		return "CS"
	case ClassCH:
		return "CH"
	case ClassHS:
		return "HS"
	case ClassNONE:
		return "NONE"
	case ClassANY:
		return "ANY"
	default:
		return fmt.Sprintf("CLASS%d", uint16(c))
	}
}

// Header flag values.
const (
	QRQuery    uint8 = 0
	QRResponse uint8 = 1

	OpcodeQuery  uint8 = 0
	OpcodeIQuery uint8 = 1
	OpcodeStatus uint8 = 2
	OpcodeNotify uint8 = 4
	OpcodeUpdate uint8 = 5

	RCodeNoError  uint8 = 0
	RCodeFormErr  uint8 = 1
	RCodeServFail uint8 = 2
	RCodeNXDomain uint8 = 3
	RCodeNotImp   uint8 = 4
	RCodeRefused  uint8 = 5
)
