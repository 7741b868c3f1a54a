// Package flyweb lets programs on a LAN publish small web servers and find
// each other's servers without any configuration.
//
// A Node owns one advertising responder, one discovery querier and the HTTP
// servers it publishes. The engines are created lazily: a node that only
// discovers never opens the advertising socket, and a node that only
// publishes never sends a query.
//
// Example:
//
//	node, err := flyweb.NewNode(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	srv, err := node.PublishServer("Kitchen Display", flyweb.PublishOptions{}, handler)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("serving on port", srv.Port())
//
//	_, err = node.DiscoverNearbyServices("", func(info flyweb.ServiceInfo, found bool) {
//	    fmt.Println(found, info.Location, flyweb.ServiceURL(info, ""))
//	})
package flyweb

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/joshuafuller/flyweb/httpd"
	"github.com/joshuafuller/flyweb/internal/errors"
	"github.com/joshuafuller/flyweb/internal/protocol"
	"github.com/joshuafuller/flyweb/internal/store"
	"github.com/joshuafuller/flyweb/querier"
	"github.com/joshuafuller/flyweb/responder"
)

// ServiceInfo is a discovered service.
type ServiceInfo = querier.ServiceInfo

// Listener receives discovery events. found is false when the service went
// away or was replaced.
type Listener = querier.Listener

// Service is an advertised service.
type Service = responder.Service

// PathKey is the TXT key naming the path a FlyWeb server's UI lives at.
const PathKey = "path"

// PublishOptions configures a published server's advertisement.
type PublishOptions struct {
	// Path is advertised under PathKey so browsers open the right page.
	Path string

	// TXT holds additional key/value pairs for the TXT record.
	TXT map[string]string
}

// PublishedServer is an HTTP server advertised as a FlyWeb service.
type PublishedServer struct {
	// ID identifies the server to StopServer.
	ID string

	// Name is the instance name it was published under.
	Name string

	// FullName is the advertised service's full name.
	FullName string

	server *httpd.Server
}

// Port returns the TCP port the server listens on.
func (p *PublishedServer) Port() int {
	return p.server.Port()
}

// discovery is one DiscoverNearbyServices registration.
type discovery struct {
	serviceType string
	fn          Listener

	mu    sync.Mutex
	known map[string]ServiceInfo
}

func (d *discovery) matches(info ServiceInfo) bool {
	return strings.HasSuffix(info.Location, "."+d.serviceType)
}

func (d *discovery) dispatch(info ServiceInfo, found bool) {
	if !d.matches(info) {
		return
	}
	d.mu.Lock()
	if found {
		d.known[info.Location] = info
	} else if cur, ok := d.known[info.Location]; ok && cur.Equal(info) {
		delete(d.known, info.Location)
	}
	d.mu.Unlock()

	if d.fn != nil {
		d.fn(info, found)
	}
}

func (d *discovery) services() []ServiceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ServiceInfo, 0, len(d.known))
	for _, info := range d.known {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}

// Node publishes and discovers FlyWeb services.
//
// Node is safe for concurrent use.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	responderOpts []responder.Option
	querierOpts   []querier.Option
	serverConfig  httpd.Config
	store         *store.Store

	mu          sync.Mutex
	responder   *responder.Responder
	querier     *querier.Querier
	discoveries map[string]*discovery
	servers     map[string]*PublishedServer
	closed      bool
}

// NewNode returns a node with no engines running.
func NewNode(ctx context.Context, opts ...Option) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)

	cfg := httpd.DefaultConfig()
	cfg.Port = 0

	n := &Node{
		ctx:          ctx,
		cancel:       cancel,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		serverConfig: cfg,
		discoveries:  make(map[string]*discovery),
		servers:      make(map[string]*PublishedServer),
	}

	for _, opt := range opts {
		if err := opt(n); err != nil {
			cancel()
			if n.store != nil {
				_ = n.store.Close()
			}
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return n, nil
}

// responderLocked returns the responder, creating it on first use.
func (n *Node) responderLocked() (*responder.Responder, error) {
	if n.closed {
		return nil, errClosed
	}
	if n.responder != nil {
		return n.responder, nil
	}
	opts := append([]responder.Option{responder.WithLogger(n.logger)}, n.responderOpts...)
	r, err := responder.New(n.ctx, opts...)
	if err != nil {
		return nil, err
	}
	n.responder = r
	n.logger.Debug("responder started", slog.Any("addr", r.LocalAddr()))
	return r, nil
}

// querierLocked returns the querier, creating it on first use.
func (n *Node) querierLocked() (*querier.Querier, error) {
	if n.closed {
		return nil, errClosed
	}
	if n.querier != nil {
		return n.querier, nil
	}
	opts := append([]querier.Option{querier.WithLogger(n.logger)}, n.querierOpts...)
	q, err := querier.New(n.ctx, opts...)
	if err != nil {
		return nil, err
	}
	n.querier = q
	n.logger.Debug("querier started", slog.Any("addr", q.LocalAddr()))
	return q, nil
}

var errClosed = goerrors.New("flyweb: node closed")

// DiscoverNearbyServices starts discovering services of type serviceType
// and calls fn for every service found or lost. An empty serviceType means
// FlyWeb servers ("_flyweb._tcp.local"). Services already known are
// reported to fn right away.
//
// The returned id is passed to StopDiscovery and Services.
func (n *Node) DiscoverNearbyServices(serviceType string, fn Listener) (string, error) {
	if serviceType == "" {
		serviceType = protocol.FlyWebServiceType
	}

	n.mu.Lock()
	q, err := n.querierLocked()
	if err != nil {
		n.mu.Unlock()
		return "", err
	}
	id := uuid.NewString()
	d := &discovery{
		serviceType: serviceType,
		fn:          fn,
		known:       make(map[string]ServiceInfo),
	}
	n.discoveries[id] = d
	n.mu.Unlock()

	q.AddListener(id, d.dispatch)
	if err := q.Discover(serviceType); err != nil {
		_ = n.StopDiscovery(id)
		return "", err
	}

	n.logger.Debug("discovery started",
		slog.String("listener", id),
		slog.String("type", serviceType))
	return id, nil
}

// StopDiscovery removes the listener with id. Discovery stops once no
// listeners remain.
//
// Returns a NotFoundError for an unknown id.
func (n *Node) StopDiscovery(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.discoveries[id]; !ok {
		return &errors.NotFoundError{Kind: "listener", ID: id}
	}
	delete(n.discoveries, id)

	if n.querier == nil {
		return nil
	}
	if err := n.querier.RemoveListener(id); err != nil {
		return err
	}
	if len(n.discoveries) == 0 {
		n.querier.StopDiscovery()
	}
	return nil
}

// Services returns the services currently known to the listener with id,
// sorted by location.
//
// Returns a NotFoundError for an unknown id.
func (n *Node) Services(id string) ([]ServiceInfo, error) {
	n.mu.Lock()
	d, ok := n.discoveries[id]
	n.mu.Unlock()
	if !ok {
		return nil, &errors.NotFoundError{Kind: "listener", ID: id}
	}
	return d.services(), nil
}

// PublishServer starts an HTTP server running handler and advertises it as
// a FlyWeb service named name.
func (n *Node) PublishServer(name string, opts PublishOptions, handler httpd.Handler) (*PublishedServer, error) {
	txt := make(map[string]string, len(opts.TXT)+1)
	for k, v := range opts.TXT {
		txt[k] = v
	}
	if opts.Path != "" {
		txt[PathKey] = opts.Path
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	r, err := n.responderLocked()
	if err != nil {
		return nil, err
	}

	cfg := n.serverConfig
	if cfg.Logger == nil {
		cfg.Logger = n.logger
	}
	srv := httpd.NewServer(cfg, handler)
	if err := srv.Start(n.ctx); err != nil {
		return nil, err
	}

	svc, err := r.Register(protocol.FlyWebServiceType, name, uint16(srv.Port()), txt)
	if err != nil {
		_ = srv.Stop()
		return nil, err
	}

	ps := &PublishedServer{
		ID:       uuid.NewString(),
		Name:     name,
		FullName: svc.FullName(),
		server:   srv,
	}
	n.servers[ps.ID] = ps

	n.logger.Info("server published",
		slog.String("service", ps.FullName),
		slog.Int("port", srv.Port()))
	return ps, nil
}

// StopServer withdraws the advertisement of the server with id and stops
// accepting connections. Requests already being handled run to completion.
//
// Returns a NotFoundError for an unknown id.
func (n *Node) StopServer(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	ps, ok := n.servers[id]
	if !ok {
		return &errors.NotFoundError{Kind: "server", ID: id}
	}
	delete(n.servers, id)
	return n.stopServerLocked(ps)
}

func (n *Node) stopServerLocked(ps *PublishedServer) error {
	var unregErr error
	if n.responder != nil {
		unregErr = n.responder.Unregister(ps.FullName)
	}
	stopErr := ps.server.Stop()
	n.logger.Info("server stopped", slog.String("service", ps.FullName))
	return goerrors.Join(unregErr, stopErr)
}

// RegisterService advertises a service that is not served by this node,
// e.g. a device behind it. With a store configured the registration is
// persisted.
func (n *Node) RegisterService(serviceType, name string, port uint16, options map[string]string) (*Service, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	r, err := n.responderLocked()
	if err != nil {
		return nil, err
	}
	svc, err := r.Register(serviceType, name, port, options)
	if err != nil {
		return nil, err
	}

	if n.store != nil {
		if err := n.store.Put(store.FromService(svc)); err != nil {
			_ = r.Unregister(svc.FullName())
			return nil, fmt.Errorf("persist %q: %w", svc.FullName(), err)
		}
	}
	return svc, nil
}

// UnregisterService withdraws the service registered under fullName and
// removes it from the store.
//
// Returns a NotFoundError if no such service is registered.
func (n *Node) UnregisterService(fullName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.responder == nil {
		return &errors.NotFoundError{Kind: "service", ID: fullName}
	}
	if err := n.responder.Unregister(fullName); err != nil {
		var nf *errors.NotFoundError
		if goerrors.As(err, &nf) {
			return err
		}
		n.logger.Warn("goodbye failed", slog.String("service", fullName), slog.Any("error", err))
	}

	if n.store != nil {
		if err := n.store.Delete(fullName); err != nil && !store.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// Restore re-registers every service in the store that is not already
// registered and returns how many were announced. Without a store it does
// nothing.
func (n *Node) Restore() (int, error) {
	if n.store == nil {
		return 0, nil
	}
	recs, err := n.store.Records()
	if err != nil {
		return 0, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if len(recs) == 0 {
		return 0, nil
	}
	r, err := n.responderLocked()
	if err != nil {
		return 0, err
	}

	var errs []error
	restored := 0
	for _, rec := range recs {
		if _, ok := r.Service(rec.FullName()); ok {
			continue
		}
		if _, err := r.Register(rec.ServiceType, rec.Name, rec.Port, rec.Options); err != nil {
			errs = append(errs, fmt.Errorf("restore %q: %w", rec.FullName(), err))
			continue
		}
		restored++
	}
	n.logger.Debug("services restored", slog.Int("count", restored))
	return restored, goerrors.Join(errs...)
}

// Close stops every published server, withdraws all advertisements and
// shuts down both engines. It is safe to call more than once.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true

	var errs []error
	for id, ps := range n.servers {
		errs = append(errs, n.stopServerLocked(ps))
		delete(n.servers, id)
	}
	if n.responder != nil {
		errs = append(errs, n.responder.Close())
	}
	if n.querier != nil {
		errs = append(errs, n.querier.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	n.cancel()
	return goerrors.Join(errs...)
}

// ServiceURL returns the http URL of a discovered service. An empty path
// falls back to the service's advertised PathKey.
func ServiceURL(info ServiceInfo, path string) string {
	if path == "" {
		path = info.TXT[PathKey]
	}
	url := "http://" + info.IP + ":" + strconv.Itoa(int(info.Port))
	if path != "" {
		url += "/" + strings.TrimPrefix(path, "/")
	}
	return url
}
