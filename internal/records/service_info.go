// Package records joins decoded resource records into services.
//
// On the discovery side, DiscoverRegistry collects PTR, SRV, TXT and A records
// from responses and composes them into ServiceInfo values. On the advertising
// side, BuildRecordSet expands a ServiceInfo back into the four records that
// describe it on the wire.
package records

import (
	"sort"
	"strings"
)

// ServiceInfo is a fully resolved service instance.
type ServiceInfo struct {
	// Location is the instance name, e.g. "Kitchen._flyweb._tcp.local".
	Location string

	// Target is the host name from the SRV record, e.g. "Kitchen.local".
	Target string

	// IP is the IPv4 address of Target in dotted-quad form.
	IP string

	// Port is the TCP port from the SRV record.
	Port uint16

	// TXT holds the key/value pairs of the TXT record. Never nil.
	TXT map[string]string
}

// Equal reports whether s and other describe the same endpoint. TXT is not
// compared: a TXT change updates a service, it does not replace it.
func (s ServiceInfo) Equal(other ServiceInfo) bool {
	return s.Location == other.Location &&
		s.Target == other.Target &&
		s.IP == other.IP &&
		s.Port == other.Port
}

// ParseTXT converts TXT strings into a map. Each string is split on its first
// '='; a string without '=' becomes a key with an empty value.
func ParseTXT(parts []string) map[string]string {
	txt := make(map[string]string, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		txt[key] = value
	}
	return txt
}

// FormatTXT converts a map into "key=value" strings sorted by key.
func FormatTXT(txt map[string]string) []string {
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+txt[k])
	}
	return parts
}
