// Package responder advertises services on the local network and answers
// queries for them.
//
// A Responder owns the advertising socket: it is bound to the discovery port,
// joined to the multicast group, and multicasts one unsolicited announcement
// (PTR answer plus SRV, A and TXT additional records) when a service is
// registered. Queries that match a registered service by type (PTR), instance
// name (SRV, TXT) or host name (A) are answered by unicast to the sender,
// which is how a discovering peer with an ephemeral, non-member socket gets
// its answers.
//
// ## Record layout
//
// For a service named "Kitchen" of type "_flyweb._tcp.local" on port 8080:
//
//	PTR _flyweb._tcp.local          -> Kitchen._flyweb._tcp.local
//	SRV Kitchen._flyweb._tcp.local  -> 0 0 8080 Kitchen.local
//	TXT Kitchen._flyweb._tcp.local  -> "key=value" ...
//	A   Kitchen.local               -> host IPv4 address
//
// All records carry a 10 second TTL. Unregister multicasts the same set with
// TTL 0 (RFC 6762 §10.1 goodbye) so discovering peers drop the service.
//
// ## Example
//
//	resp, err := responder.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer resp.Close()
//
//	svc, err := resp.Register("_flyweb._tcp.local", "Kitchen", 8080,
//	    map[string]string{"path": "/"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer resp.Unregister(svc.FullName())
package responder

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/joshuafuller/flyweb/internal/errors"
	"github.com/joshuafuller/flyweb/internal/message"
	"github.com/joshuafuller/flyweb/internal/protocol"
	"github.com/joshuafuller/flyweb/internal/records"
	"github.com/joshuafuller/flyweb/internal/responder"
	"github.com/joshuafuller/flyweb/internal/transport"
)

// Service is an advertised service instance.
type Service = responder.Service

// Responder advertises services and answers queries for them.
//
// The responder keeps a thread-safe registry and runs one background
// goroutine that receives and answers queries until Close.
type Responder struct {
	ctx       context.Context
	cancel    context.CancelFunc
	config    transport.Config
	transport transport.Transport
	registry  *responder.Registry
	hostIP    string
	logger    *slog.Logger

	handlerDone chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// New creates a responder and starts its query handler.
//
// Parameters:
//   - ctx: lifecycle context. Canceling it stops the query handler.
//   - opts: functional options (WithGroup, WithPort, WithTransport, ...)
//
// Returns a NetworkError if the advertising socket cannot be bound.
func New(ctx context.Context, opts ...Option) (*Responder, error) {
	ctx, cancel := context.WithCancel(ctx)

	r := &Responder{
		ctx:    ctx,
		cancel: cancel,
		config: transport.Config{
			Port:     protocol.Port,
			Join:     true,
			Loopback: true,
		},
		registry:    responder.NewRegistry(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		handlerDone: make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if r.transport == nil {
		t, err := transport.NewUDPv4Transport(ctx, r.config)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		r.transport = t
	}

	go r.runQueryHandler()

	return r, nil
}

// Register adds a service and multicasts its announcement.
//
// The service's full name (name + "." + serviceType) must be unique within
// this responder. If the announcement cannot be sent the registration is
// rolled back and the NetworkError returned.
//
// Returns a ValidationError for an unusable name, type, port or option.
func (r *Responder) Register(serviceType, name string, port uint16, options map[string]string) (*Service, error) {
	svc := &Service{
		ServiceType: serviceType,
		Name:        name,
		Port:        port,
		Options:     options,
	}
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	if err := r.registry.Add(svc); err != nil {
		return nil, err
	}

	if err := r.announce(svc, protocol.DefaultTTL); err != nil {
		_ = r.registry.Delete(svc.FullName())
		return nil, err
	}

	r.logger.Debug("service registered",
		slog.String("service", svc.FullName()),
		slog.Int("port", int(svc.Port)))
	return svc, nil
}

// Unregister removes the service registered under fullName and multicasts a
// goodbye (the same records with TTL 0).
//
// Returns a NotFoundError if no such service is registered. A goodbye send
// failure is returned after the service has been removed.
func (r *Responder) Unregister(fullName string) error {
	svc, ok := r.registry.Get(fullName)
	if !ok {
		return &errors.NotFoundError{Kind: "service", ID: fullName}
	}
	if err := r.registry.Delete(fullName); err != nil {
		return err
	}

	if err := r.announce(svc, protocol.GoodbyeTTL); err != nil {
		return fmt.Errorf("goodbye for %q: %w", fullName, err)
	}
	r.logger.Debug("service unregistered", slog.String("service", fullName))
	return nil
}

// Service returns the service registered under fullName.
func (r *Responder) Service(fullName string) (*Service, bool) {
	return r.registry.Get(fullName)
}

// Services returns the full names of all registered services.
func (r *Responder) Services() []string {
	return r.registry.Names()
}

// LocalAddr returns the advertising socket's address.
func (r *Responder) LocalAddr() net.Addr {
	return r.transport.LocalAddr()
}

// Close sends goodbyes for every registered service, stops the query
// handler and closes the socket. It is safe to call more than once.
func (r *Responder) Close() error {
	r.closeOnce.Do(func() {
		for _, name := range r.registry.Names() {
			// Send failures only mean peers keep the records until TTL expiry.
			_ = r.Unregister(name)
		}

		r.cancel()
		r.closeErr = r.transport.Close()
		<-r.handlerDone
	})
	return r.closeErr
}

// announce multicasts svc's record set with the given TTL.
func (r *Responder) announce(svc *Service, ttl uint32) error {
	ip, err := r.addressFor(0)
	if err != nil {
		return err
	}

	set := records.BuildRecordSet(svc.ServiceType, svc.Info(ip)).WithTTL(ttl)
	msg := message.NewResponse()
	msg.Answers = []message.ResourceRecord{set.PTR}
	msg.Additional = set.Additional()

	packet, err := msg.Serialize()
	if err != nil {
		return err
	}
	if err := r.transport.Send(r.ctx, packet, nil); err != nil {
		r.logger.Warn("announcement failed",
			slog.String("service", svc.FullName()),
			slog.Any("error", err))
		return err
	}

	r.logger.Debug("announcement sent",
		slog.String("service", svc.FullName()),
		slog.Uint64("ttl", uint64(ttl)))
	return nil
}

// runQueryHandler receives and answers queries until the responder closes.
func (r *Responder) runQueryHandler() {
	defer close(r.handlerDone)

	for {
		packet, src, ifIndex, err := r.transport.Receive(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil || goerrors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("receive failed", slog.Any("error", err))
			continue
		}

		if err := r.handleQuery(packet, src, ifIndex); err != nil {
			r.logger.Debug("query dropped",
				slog.Any("from", src),
				slog.Any("error", err))
		}
	}
}

// handleQuery answers one datagram. Responses and questions we have no
// records for are ignored; malformed datagrams return the parse error.
func (r *Responder) handleQuery(packet []byte, src net.Addr, ifIndex int) error {
	msg, err := message.ParseMessage(packet)
	if err != nil {
		return err
	}
	if msg.Flags.IsResponse() {
		return nil
	}

	ip, err := r.addressFor(ifIndex)
	if err != nil {
		return err
	}

	resp := message.NewResponse()
	a := newAnswerSet()

	for _, q := range msg.Questions {
		class := q.Class & protocol.ClassMask
		if class != protocol.ClassIN && class != protocol.ClassANY {
			continue
		}
		if r.answer(q, ip, a) {
			resp.Questions = append(resp.Questions, q)
		}
	}

	if len(a.answers) == 0 {
		return nil
	}
	resp.Answers = a.answers
	resp.Additional = a.extra

	out, err := resp.Serialize()
	if err != nil {
		return err
	}

	// A nil source (possible with some transports) falls back to the group.
	if err := r.transport.Send(r.ctx, out, src); err != nil {
		return err
	}
	r.logger.Debug("query answered",
		slog.Any("to", src),
		slog.Int("answers", len(resp.Answers)),
		slog.Int("additional", len(resp.Additional)))
	return nil
}

// answer adds the records q asks for to a and reports whether any matched.
func (r *Responder) answer(q message.Question, ip string, a *answerSet) bool {
	matched := false
	anyType := q.Type == protocol.RecordTypeANY

	// RFC 6763 §9 service type enumeration. Every service's full record set
	// rides along so a single meta query is enough to discover everything.
	if q.Name == protocol.ServiceEnumerationName && (q.Type == protocol.RecordTypePTR || anyType) {
		for _, st := range r.registry.ServiceTypes() {
			a.answer(message.NewPTR(protocol.ServiceEnumerationName, st))
		}
		for _, svc := range r.registry.Services() {
			set := records.BuildRecordSet(svc.ServiceType, svc.Info(ip))
			a.answer(set.PTR)
			a.additional(set.Additional()...)
		}
		return r.registry.Count() > 0
	}

	for _, svc := range r.registry.Services() {
		set := records.BuildRecordSet(svc.ServiceType, svc.Info(ip))

		if (q.Type == protocol.RecordTypePTR || anyType) && q.Name == svc.ServiceType {
			a.answer(set.PTR)
			a.additional(set.Additional()...)
			matched = true
		}
		if (q.Type == protocol.RecordTypeSRV || anyType) && q.Name == svc.Location() {
			a.answer(set.SRV)
			a.additional(set.A)
			matched = true
		}
		if (q.Type == protocol.RecordTypeTXT || anyType) && q.Name == svc.Location() {
			a.answer(set.TXT)
			matched = true
		}
		if (q.Type == protocol.RecordTypeA || anyType) && q.Name == svc.Target() {
			a.answer(set.A)
			matched = true
		}
	}
	return matched
}

// answerSet collects records without duplicates. A record already in the
// answer section is not repeated in the additional section.
type answerSet struct {
	seen    map[recordKey]bool
	answers []message.ResourceRecord
	extra   []message.ResourceRecord
}

type recordKey struct {
	name  string
	rtype protocol.RecordType
	data  string
}

func newAnswerSet() *answerSet {
	return &answerSet{seen: make(map[recordKey]bool)}
}

func keyOf(rr message.ResourceRecord) recordKey {
	return recordKey{name: rr.Name, rtype: rr.Type, data: fmt.Sprint(rr.Data)}
}

func (s *answerSet) answer(rr message.ResourceRecord) {
	k := keyOf(rr)
	if s.seen[k] {
		// Promote a record that was only additional so far.
		for i, add := range s.extra {
			if keyOf(add) == k {
				s.extra = append(s.extra[:i], s.extra[i+1:]...)
				s.answers = append(s.answers, rr)
				return
			}
		}
		return
	}
	s.seen[k] = true
	s.answers = append(s.answers, rr)
}

func (s *answerSet) additional(rrs ...message.ResourceRecord) {
	for _, rr := range rrs {
		k := keyOf(rr)
		if s.seen[k] {
			continue
		}
		s.seen[k] = true
		s.extra = append(s.extra, rr)
	}
}

// addressFor returns the IPv4 address to advertise for a query that arrived
// on interface ifIndex (0 = unknown).
//
// RFC 6762 §15: a response should carry an address valid on the interface the
// query was received on.
func (r *Responder) addressFor(ifIndex int) (string, error) {
	if r.hostIP != "" {
		return r.hostIP, nil
	}
	if ifIndex > 0 {
		if ip, err := getIPv4ForInterface(ifIndex); err == nil {
			return ip.String(), nil
		}
	}
	ip, err := getLocalIPv4()
	if err != nil {
		return "", &errors.NetworkError{
			Operation: "resolve host address",
			Err:       err,
		}
	}
	return ip.String(), nil
}

// getIPv4ForInterface returns the first IPv4 address on the interface with
// index ifIndex.
func getIPv4ForInterface(ifIndex int) (net.IP, error) {
	iface, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "lookup interface",
			Err:       err,
			Details:   fmt.Sprintf("interface index %d not found", ifIndex),
		}
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "get interface addresses",
			Err:       err,
			Details:   fmt.Sprintf("failed to get addresses for %s", iface.Name),
		}
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			if ipv4 := ipnet.IP.To4(); ipv4 != nil {
				return ipv4, nil
			}
		}
	}

	return nil, &errors.ValidationError{
		Field:   "interface",
		Value:   iface.Name,
		Message: "no IPv4 address found on interface",
	}
}

// getLocalIPv4 returns the first non-loopback IPv4 address.
func getLocalIPv4() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipv4 := ipnet.IP.To4(); ipv4 != nil {
				return ipv4, nil
			}
		}
	}

	return nil, fmt.Errorf("no non-loopback IPv4 address found")
}
