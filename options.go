package flyweb

import (
	"log/slog"

	"github.com/joshuafuller/flyweb/httpd"
	"github.com/joshuafuller/flyweb/internal/store"
	"github.com/joshuafuller/flyweb/querier"
	"github.com/joshuafuller/flyweb/responder"
)

// Option is a functional option for configuring a Node.
type Option func(*Node) error

// WithResponderOptions passes opts to the responder the node creates on
// first publish or registration.
func WithResponderOptions(opts ...responder.Option) Option {
	return func(n *Node) error {
		n.responderOpts = append(n.responderOpts, opts...)
		return nil
	}
}

// WithQuerierOptions passes opts to the querier the node creates on first
// discovery.
func WithQuerierOptions(opts ...querier.Option) Option {
	return func(n *Node) error {
		n.querierOpts = append(n.querierOpts, opts...)
		return nil
	}
}

// WithStore persists services registered with RegisterService in the BoltDB
// file at path. Restore re-registers them. The node closes the file on Close.
func WithStore(path string) Option {
	return func(n *Node) error {
		s, err := store.Open(path)
		if err != nil {
			return err
		}
		n.store = s
		return nil
	}
}

// WithServerConfig sets the configuration of servers started by
// PublishServer. Port is used as given; the default config uses an
// ephemeral port.
func WithServerConfig(cfg httpd.Config) Option {
	return func(n *Node) error {
		n.serverConfig = cfg
		return nil
	}
}

// WithLogger sets the structured logger for the node and, unless overridden
// by their own options, its engines and servers. Default: discard.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) error {
		if logger != nil {
			n.logger = logger
		}
		return nil
	}
}
