package querier

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/joshuafuller/flyweb/internal/transport"
)

// Option is a functional option for configuring a Querier.
//
// Example:
//
//	q, err := querier.New(ctx,
//	    querier.WithLogger(logger),
//	)
type Option func(*Querier) error

// WithGroup sets the multicast group queries are sent to. Default: 224.0.1.253.
func WithGroup(group string) Option {
	return func(q *Querier) error {
		ip := net.ParseIP(group)
		if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
			return fmt.Errorf("invalid multicast group %q", group)
		}
		q.config.Group = ip
		return nil
	}
}

// WithPort sets the port queries are sent to. Default: 6363.
//
// The discovery socket itself always binds an ephemeral port; responders
// answer it by unicast.
func WithPort(port int) Option {
	return func(q *Querier) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		q.config.GroupPort = port
		return nil
	}
}

// WithInterface sends queries out of ifi only.
func WithInterface(ifi *net.Interface) Option {
	return func(q *Querier) error {
		q.config.Interface = ifi
		return nil
	}
}

// WithTransport replaces the UDP socket. The querier closes it on Close.
func WithTransport(t transport.Transport) Option {
	return func(q *Querier) error {
		q.transport = t
		return nil
	}
}

// WithLogger sets the structured logger. Default: discard.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Querier) error {
		if logger != nil {
			q.logger = logger
		}
		return nil
	}
}
