package querier

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/joshuafuller/flyweb/internal/errors"
	"github.com/joshuafuller/flyweb/internal/message"
	"github.com/joshuafuller/flyweb/internal/protocol"
	"github.com/joshuafuller/flyweb/internal/records"
	"github.com/joshuafuller/flyweb/internal/transport"
)

// Querier discovers services by multicasting PTR queries from an ephemeral
// socket and merging the unicast responses into a record registry.
//
// Each time a response makes a location resolve to a new or changed
// ServiceInfo, every registered Listener is called. Responses that arrive
// while discovery is stopped are ignored.
//
// Example:
//
//	q, err := querier.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer q.Close()
//
//	q.AddListener("printer", func(info querier.ServiceInfo, found bool) {
//	    fmt.Println(found, info.Location, info.IP, info.Port)
//	})
//	if err := q.Discover(""); err != nil {
//	    log.Fatal(err)
//	}
type Querier struct {
	ctx       context.Context
	cancel    context.CancelFunc
	config    transport.Config
	transport transport.Transport
	registry  *records.DiscoverRegistry
	logger    *slog.Logger

	mu          sync.Mutex
	discovering bool
	listeners   map[string]Listener
	reported    map[string]ServiceInfo

	handlerDone chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// New creates a querier and starts its response handler.
//
// Returns a NetworkError if the discovery socket cannot be created.
func New(ctx context.Context, opts ...Option) (*Querier, error) {
	ctx, cancel := context.WithCancel(ctx)

	q := &Querier{
		ctx:    ctx,
		cancel: cancel,
		config: transport.Config{
			GroupPort: protocol.Port,
			Loopback:  true,
		},
		registry:    records.NewDiscoverRegistry(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		listeners:   make(map[string]Listener),
		reported:    make(map[string]ServiceInfo),
		handlerDone: make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(q); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if q.transport == nil {
		t, err := transport.NewUDPv4Transport(ctx, q.config)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		q.transport = t
	}

	go q.runResponseHandler()

	return q, nil
}

// Discover starts discovery and multicasts one PTR query for target. An
// empty target queries the DNS-SD service enumeration name, which FlyWeb
// responders answer with every service they advertise.
//
// Calling Discover again re-sends the query; already known services are not
// reported twice.
func (q *Querier) Discover(target string) error {
	if target == "" {
		target = protocol.ServiceEnumerationName
	}

	packet, err := message.NewQuery(target, protocol.RecordTypePTR).Serialize()
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.discovering = true
	q.mu.Unlock()

	if err := q.transport.Send(q.ctx, packet, nil); err != nil {
		return err
	}
	q.logger.Debug("query sent", slog.String("target", target))
	return nil
}

// StopDiscovery stops processing responses. Known services and listeners are
// kept; a later Discover resumes reporting changes.
func (q *Querier) StopDiscovery() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.discovering = false
}

// Discovering reports whether responses are being processed.
func (q *Querier) Discovering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.discovering
}

// AddListener registers fn under id, replacing any listener with that id.
// The new listener is immediately called with every service already known.
func (q *Querier) AddListener(id string, fn Listener) {
	q.mu.Lock()
	q.listeners[id] = fn
	known := q.knownLocked()
	q.mu.Unlock()

	for _, info := range known {
		fn(info, true)
	}
}

// RemoveListener unregisters the listener with id. Events already being
// dispatched when it returns may still reach the listener once.
//
// Returns a NotFoundError if no listener has that id.
func (q *Querier) RemoveListener(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.listeners[id]; !ok {
		return &errors.NotFoundError{Kind: "listener", ID: id}
	}
	delete(q.listeners, id)
	return nil
}

// Listeners returns the number of registered listeners.
func (q *Querier) Listeners() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.listeners)
}

// Services returns every currently resolved service, sorted by location.
func (q *Querier) Services() []ServiceInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.knownLocked()
}

func (q *Querier) knownLocked() []ServiceInfo {
	out := make([]ServiceInfo, 0, len(q.reported))
	for _, info := range q.reported {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}

// LocalAddr returns the discovery socket's address.
func (q *Querier) LocalAddr() net.Addr {
	return q.transport.LocalAddr()
}

// Close stops the response handler and closes the socket. It is safe to
// call more than once.
func (q *Querier) Close() error {
	q.closeOnce.Do(func() {
		q.cancel()
		q.closeErr = q.transport.Close()
		<-q.handlerDone
	})
	return q.closeErr
}

// runResponseHandler receives responses until the querier closes.
func (q *Querier) runResponseHandler() {
	defer close(q.handlerDone)

	for {
		packet, src, _, err := q.transport.Receive(q.ctx)
		if err != nil {
			if q.ctx.Err() != nil || goerrors.Is(err, net.ErrClosed) {
				return
			}
			q.logger.Warn("receive failed", slog.Any("error", err))
			continue
		}

		if err := q.handleResponse(packet); err != nil {
			q.logger.Debug("response dropped",
				slog.Any("from", src),
				slog.Any("error", err))
		}
	}
}

// change is one event to dispatch.
type change struct {
	info  ServiceInfo
	found bool
}

// handleResponse merges one datagram into the registry and dispatches the
// resulting changes.
func (q *Querier) handleResponse(packet []byte) error {
	msg, err := message.ParseMessage(packet)
	if err != nil {
		return err
	}
	if !msg.Flags.IsResponse() {
		return nil
	}

	q.mu.Lock()
	if !q.discovering {
		q.mu.Unlock()
		return nil
	}

	for _, rr := range append(msg.Answers, msg.Additional...) {
		// Type enumeration PTRs name service types, not instances.
		if rr.Type == protocol.RecordTypePTR && rr.Name == protocol.ServiceEnumerationName {
			continue
		}
		if rr.TTL == protocol.GoodbyeTTL {
			if rr.Type == protocol.RecordTypePTR {
				q.registry.RemoveLocation(rr.AsPTR())
			}
			continue
		}
		q.registry.AddRecord(rr)
	}

	changes := q.diffLocked()
	listeners := make([]Listener, 0, len(q.listeners))
	for _, fn := range q.listeners {
		listeners = append(listeners, fn)
	}
	q.mu.Unlock()

	for _, c := range changes {
		q.logger.Debug("service changed",
			slog.String("location", c.info.Location),
			slog.Bool("found", c.found))
		for _, fn := range listeners {
			fn(c.info, c.found)
		}
	}
	return nil
}

// diffLocked compares every location in the registry with what was last
// reported and returns the events that bring listeners up to date.
func (q *Querier) diffLocked() []change {
	var changes []change
	current := make(map[string]bool)

	for _, location := range q.registry.Locations() {
		info, ok := q.registry.ServiceInfo(location)
		if !ok {
			continue
		}
		current[location] = true

		old, seen := q.reported[location]
		switch {
		case !seen:
			changes = append(changes, change{info: info, found: true})
		case !old.Equal(info):
			changes = append(changes,
				change{info: old, found: false},
				change{info: info, found: true})
		case !txtEqual(old.TXT, info.TXT):
			changes = append(changes, change{info: info, found: true})
		default:
			continue
		}
		q.reported[location] = info
	}

	lost := make([]string, 0)
	for location := range q.reported {
		if !current[location] {
			lost = append(lost, location)
		}
	}
	sort.Strings(lost)
	for _, location := range lost {
		changes = append(changes, change{info: q.reported[location], found: false})
		delete(q.reported, location)
	}
	return changes
}

func txtEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
