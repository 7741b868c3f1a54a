package records

import (
	"sort"
	"sync"

	"github.com/joshuafuller/flyweb/internal/message"
	"github.com/joshuafuller/flyweb/internal/protocol"
)

// DiscoverRegistry holds the latest PTR, SRV, TXT and A record seen for each
// name. PTR records are keyed by the location they point at; the others by
// their own name.
//
// DiscoverRegistry is safe for concurrent use.
type DiscoverRegistry struct {
	mu  sync.RWMutex
	ptr map[string]message.ResourceRecord
	srv map[string]message.ResourceRecord
	txt map[string]message.ResourceRecord
	a   map[string]message.ResourceRecord
}

// NewDiscoverRegistry returns an empty registry.
func NewDiscoverRegistry() *DiscoverRegistry {
	return &DiscoverRegistry{
		ptr: make(map[string]message.ResourceRecord),
		srv: make(map[string]message.ResourceRecord),
		txt: make(map[string]message.ResourceRecord),
		a:   make(map[string]message.ResourceRecord),
	}
}

// AddRecord stores rr. A PTR record first clears everything previously known
// about its location, including the A record of the old SRV target, so a
// re-announced service is never composed from a mix of old and new records.
// Record types other than PTR, SRV, TXT and A are ignored.
func (r *DiscoverRegistry) AddRecord(rr message.ResourceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch rr.Type {
	case protocol.RecordTypePTR:
		location := rr.AsPTR()
		if location == "" {
			return
		}
		r.clearLocation(location)
		r.ptr[location] = rr
	case protocol.RecordTypeSRV:
		r.srv[rr.Name] = rr
	case protocol.RecordTypeTXT:
		r.txt[rr.Name] = rr
	case protocol.RecordTypeA:
		r.a[rr.Name] = rr
	}
}

// RemoveLocation forgets everything known about location.
func (r *DiscoverRegistry) RemoveLocation(location string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocation(location)
}

// clearLocation must be called with mu held. The old SRV target is read
// before the SRV entry is dropped.
func (r *DiscoverRegistry) clearLocation(location string) {
	if srv, ok := r.srv[location]; ok {
		if data := srv.AsSRV(); data != nil {
			delete(r.a, data.Target)
		}
	}
	delete(r.ptr, location)
	delete(r.srv, location)
	delete(r.txt, location)
}

// ServiceInfo composes the service at location. It reports false unless a
// PTR, an SRV and an A record for the SRV target are all known. A missing TXT
// record yields an empty TXT map.
func (r *DiscoverRegistry) ServiceInfo(location string) (ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.ptr[location]; !ok {
		return ServiceInfo{}, false
	}
	srvRR, ok := r.srv[location]
	if !ok {
		return ServiceInfo{}, false
	}
	srv := srvRR.AsSRV()
	if srv == nil {
		return ServiceInfo{}, false
	}
	aRR, ok := r.a[srv.Target]
	if !ok {
		return ServiceInfo{}, false
	}

	info := ServiceInfo{
		Location: location,
		Target:   srv.Target,
		IP:       aRR.AsA(),
		Port:     srv.Port,
	}
	if txtRR, ok := r.txt[location]; ok {
		info.TXT = ParseTXT(txtRR.AsTXT())
	} else {
		info.TXT = map[string]string{}
	}
	return info, true
}

// Locations returns every location a PTR record is known for, sorted.
func (r *DiscoverRegistry) Locations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.ptr))
	for loc := range r.ptr {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}
