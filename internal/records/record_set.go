package records

import (
	"github.com/joshuafuller/flyweb/internal/message"
)

// RecordSet is the full description of one advertised service instance.
type RecordSet struct {
	PTR message.ResourceRecord
	SRV message.ResourceRecord
	TXT message.ResourceRecord
	A   message.ResourceRecord
}

// BuildRecordSet expands info, advertised under serviceType, into its records:
//
//	PTR serviceType  -> info.Location
//	SRV info.Location -> info.Target:info.Port
//	TXT info.Location -> info.TXT as "key=value" strings
//	A   info.Target   -> info.IP
//
// An empty TXT map produces a single empty string, which encodes as the one
// zero byte RFC 6763 §6.1 requires.
func BuildRecordSet(serviceType string, info ServiceInfo) RecordSet {
	parts := FormatTXT(info.TXT)
	if len(parts) == 0 {
		parts = []string{""}
	}
	return RecordSet{
		PTR: message.NewPTR(serviceType, info.Location),
		SRV: message.NewSRV(info.Location, info.Target, info.Port),
		TXT: message.NewTXT(info.Location, parts),
		A:   message.NewA(info.Target, info.IP),
	}
}

// WithTTL returns a copy of the set with every record's TTL set to ttl.
func (s RecordSet) WithTTL(ttl uint32) RecordSet {
	s.PTR.TTL = ttl
	s.SRV.TTL = ttl
	s.TXT.TTL = ttl
	s.A.TTL = ttl
	return s
}

// Additional returns the records that accompany the PTR answer.
func (s RecordSet) Additional() []message.ResourceRecord {
	return []message.ResourceRecord{s.SRV, s.A, s.TXT}
}
