package responder

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/joshuafuller/flyweb/internal/transport"
)

// Option is a functional option for configuring a Responder.
//
// Options are applied by New before the advertising socket is opened, so
// network options only take effect when WithTransport is not used.
//
// Example:
//
//	resp, err := responder.New(ctx,
//	    responder.WithPort(6363),
//	    responder.WithLogger(slog.Default()),
//	)
type Option func(*Responder) error

// WithGroup sets the multicast group announcements are sent to and queries
// are received on. Default: 224.0.1.253.
//
// Use protocol.MDNSMulticastAddrIPv4 together with WithPort(protocol.MDNSPort)
// to speak on the real mDNS group; the default keeps FlyWeb traffic apart from
// other mDNS responders on the LAN.
func WithGroup(group string) Option {
	return func(r *Responder) error {
		ip := net.ParseIP(group)
		if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
			return fmt.Errorf("invalid multicast group %q", group)
		}
		r.config.Group = ip
		return nil
	}
}

// WithPort sets the advertising port. Default: 6363.
func WithPort(port int) Option {
	return func(r *Responder) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		r.config.Port = port
		return nil
	}
}

// WithInterface restricts the group join and outgoing multicast to ifi.
func WithInterface(ifi *net.Interface) Option {
	return func(r *Responder) error {
		r.config.Interface = ifi
		return nil
	}
}

// WithHostIP fixes the IPv4 address placed in A records. By default the
// address of the interface a query arrived on is used, falling back to the
// first non-loopback IPv4 address.
func WithHostIP(ip string) Option {
	return func(r *Responder) error {
		parsed := net.ParseIP(ip)
		if parsed == nil || parsed.To4() == nil {
			return fmt.Errorf("invalid IPv4 address %q", ip)
		}
		r.hostIP = parsed.To4().String()
		return nil
	}
}

// WithTransport replaces the UDP socket, e.g. with transport.MockTransport.
// The responder takes ownership and closes it on Close.
func WithTransport(t transport.Transport) Option {
	return func(r *Responder) error {
		r.transport = t
		return nil
	}
}

// WithLogger sets the structured logger. Default: discard.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Responder) error {
		if logger != nil {
			r.logger = logger
		}
		return nil
	}
}
