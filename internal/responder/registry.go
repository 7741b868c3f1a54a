// Package responder holds the advertising side's state: the services this
// host announces and answers queries for.
package responder

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/joshuafuller/flyweb/internal/errors"
	"github.com/joshuafuller/flyweb/internal/protocol"
	"github.com/joshuafuller/flyweb/internal/records"
)

// Service is one advertised service instance.
type Service struct {
	// ServiceType is the DNS-SD type, e.g. "_flyweb._tcp.local".
	ServiceType string

	// Name is the instance label, e.g. "Kitchen Display". It may contain
	// spaces and UTF-8 but not dots.
	Name string

	// Port is the TCP port the service listens on.
	Port uint16

	// Options become the TXT record.
	Options map[string]string
}

// FullName returns Name + "." + ServiceType, the registry key.
func (s *Service) FullName() string {
	return s.Name + "." + s.ServiceType
}

// Location is the name PTR records point at. It equals FullName.
func (s *Service) Location() string {
	return s.FullName()
}

// Target is the host name SRV records point at: Name + ".local".
func (s *Service) Target() string {
	return s.Name + "." + protocol.LocalDomain
}

// Info returns the service as a resolved ServiceInfo on ip.
func (s *Service) Info(ip string) records.ServiceInfo {
	txt := make(map[string]string, len(s.Options))
	for k, v := range s.Options {
		txt[k] = v
	}
	return records.ServiceInfo{
		Location: s.Location(),
		Target:   s.Target(),
		IP:       ip,
		Port:     s.Port,
		TXT:      txt,
	}
}

// Validate checks that the service can be encoded.
func (s *Service) Validate() error {
	switch {
	case s.Name == "":
		return &errors.ValidationError{Field: "name", Value: s.Name, Message: "cannot be empty"}
	case strings.Contains(s.Name, "."):
		return &errors.ValidationError{Field: "name", Value: s.Name, Message: "cannot contain '.'"}
	case len(s.Name) > 63:
		return &errors.ValidationError{Field: "name", Value: s.Name, Message: "exceeds maximum length 63 bytes"}
	case s.ServiceType == "":
		return &errors.ValidationError{Field: "serviceType", Value: s.ServiceType, Message: "cannot be empty"}
	case s.Port == 0:
		return &errors.ValidationError{Field: "port", Value: s.Port, Message: "cannot be zero"}
	}
	for k, v := range s.Options {
		if k == "" || strings.Contains(k, "=") {
			return &errors.ValidationError{Field: "options", Value: k, Message: "key must be non-empty and contain no '='"}
		}
		if len(k)+1+len(v) > 255 {
			return &errors.ValidationError{Field: "options", Value: k, Message: "key=value exceeds 255 bytes"}
		}
	}
	return nil
}

// Registry maps full names to advertised services.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]*Service),
	}
}

// Add stores service under its full name. It returns an error if the name is
// already taken.
func (r *Registry) Add(service *Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := service.FullName()
	if _, exists := r.services[key]; exists {
		return fmt.Errorf("service %q already registered", key)
	}
	r.services[key] = service
	return nil
}

// Get returns the service registered under fullName.
func (r *Registry) Get(fullName string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	service, exists := r.services[fullName]
	return service, exists
}

// Delete removes the service registered under fullName. It returns a
// NotFoundError if there is none.
func (r *Registry) Delete(fullName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[fullName]; !exists {
		return &errors.NotFoundError{Kind: "service", ID: fullName}
	}
	delete(r.services, fullName)
	return nil
}

// Names returns the full names of all registered services. Callers must not
// rely on the order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// Services returns a snapshot of all registered services.
func (r *Registry) Services() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Service, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered services.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// ServiceTypes returns the distinct service types, sorted.
//
// RFC 6763 §9: used to answer the service type enumeration query.
func (r *Registry) ServiceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, s := range r.services {
		seen[s.ServiceType] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
