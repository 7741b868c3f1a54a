package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"

	"golang.org/x/net/ipv4"

	"github.com/joshuafuller/flyweb/internal/errors"
	"github.com/joshuafuller/flyweb/internal/protocol"
)

// multicastTTL is the IP TTL of outgoing multicast datagrams (RFC 6762 §11).
const multicastTTL = 255

// Config describes one UDP socket of the discovery engine.
type Config struct {
	// Group is the multicast group used as the default destination and, when
	// Join is set, joined on receive. Defaults to protocol.MulticastAddrIPv4.
	Group net.IP

	// Port is the local port to bind and the group's port. Zero binds an
	// ephemeral port and sends to GroupPort.
	Port int

	// GroupPort is the destination port for group sends. Defaults to Port,
	// or protocol.Port when Port is zero.
	GroupPort int

	// Join makes the socket a member of Group on every multicast-capable
	// interface (or only Interface, if set).
	Join bool

	// Interface restricts the group join and outgoing multicast to one
	// interface. Nil means all.
	Interface *net.Interface

	// Loopback delivers our own multicast datagrams back to this host, which
	// lets an advertiser and a discoverer on one machine see each other.
	Loopback bool
}

func (c Config) withDefaults() Config {
	if c.Group == nil {
		c.Group = net.ParseIP(protocol.MulticastAddrIPv4)
	}
	if c.GroupPort == 0 {
		c.GroupPort = c.Port
		if c.GroupPort == 0 {
			c.GroupPort = protocol.Port
		}
	}
	return c
}

// UDPv4Transport implements Transport over an IPv4 UDP socket.
//
// The socket is wrapped in an ipv4.PacketConn so Receive can report the
// interface a datagram arrived on (IP_PKTINFO on Linux, IP_RECVIF on BSD).
type UDPv4Transport struct {
	conn     net.PacketConn
	ipv4Conn *ipv4.PacketConn
	group    *net.UDPAddr
}

// NewUDPv4Transport binds a socket per cfg.
//
// The advertising socket binds the well-known port with address reuse so
// several processes on a host can each advertise, then joins the group. The
// discovery socket binds port 0 and does not join.
//
// Returns a NetworkError if the socket cannot be created or no group
// membership can be established.
func NewUDPv4Transport(ctx context.Context, cfg Config) (*UDPv4Transport, error) {
	cfg = cfg.withDefaults()

	group := &net.UDPAddr{IP: cfg.Group.To4(), Port: cfg.GroupPort}
	if group.IP == nil || !group.IP.IsMulticast() {
		return nil, &errors.ValidationError{
			Field:   "group",
			Value:   cfg.Group.String(),
			Message: "not an IPv4 multicast address",
		}
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = setSocketOptions(fd)
			}); err != nil {
				return err
			}
			return serr
		},
	}

	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port))
	conn, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "create socket",
			Err:       err,
			Details:   fmt.Sprintf("failed to bind %s", addr),
		}
	}

	if udpConn, ok := conn.(*net.UDPConn); ok {
		if err := udpConn.SetReadBuffer(65536); err != nil {
			_ = conn.Close()
			return nil, &errors.NetworkError{
				Operation: "configure socket",
				Err:       err,
				Details:   "failed to set read buffer size",
			}
		}
	}

	ipv4Conn := ipv4.NewPacketConn(conn)

	if cfg.Join {
		if err := joinGroup(ipv4Conn, cfg.Interface, group); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	if cfg.Interface != nil {
		if err := ipv4Conn.SetMulticastInterface(cfg.Interface); err != nil {
			_ = conn.Close()
			return nil, &errors.NetworkError{
				Operation: "configure socket",
				Err:       err,
				Details:   fmt.Sprintf("failed to set multicast interface %s", cfg.Interface.Name),
			}
		}
	}

	// Multicast TTL and loopback are best-effort: some platforms reject them
	// on unconnected sockets, and the defaults still work on a flat LAN.
	_ = ipv4Conn.SetMulticastTTL(multicastTTL)
	_ = ipv4Conn.SetMulticastLoopback(cfg.Loopback)

	// Control messages are unavailable on Windows; Receive then reports
	// interface index 0.
	_ = ipv4Conn.SetControlMessage(ipv4.FlagInterface, true)

	return &UDPv4Transport{
		conn:     conn,
		ipv4Conn: ipv4Conn,
		group:    group,
	}, nil
}

// joinGroup joins group on ifi, or on every up multicast-capable interface
// when ifi is nil. It succeeds if at least one join does.
func joinGroup(p *ipv4.PacketConn, ifi *net.Interface, group *net.UDPAddr) error {
	if ifi != nil {
		if err := p.JoinGroup(ifi, group); err != nil {
			return &errors.NetworkError{
				Operation: "join multicast group",
				Err:       err,
				Details:   fmt.Sprintf("%s on %s", group.IP, ifi.Name),
			}
		}
		return nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		ifaces = nil
	}

	joined := 0
	var lastErr error
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := p.JoinGroup(iface, group); err != nil {
			lastErr = err
			continue
		}
		joined++
	}
	if joined > 0 {
		return nil
	}

	// Let the kernel pick the interface.
	if err := p.JoinGroup(nil, group); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return &errors.NetworkError{
			Operation: "join multicast group",
			Err:       lastErr,
			Details:   fmt.Sprintf("no interface could join %s", group.IP),
		}
	}
	return nil
}

// Group returns the multicast destination used for nil-destination sends.
func (t *UDPv4Transport) Group() *net.UDPAddr {
	return t.group
}

// LocalAddr returns the bound address.
func (t *UDPv4Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Send transmits packet to dest, or to the group when dest is nil.
func (t *UDPv4Transport) Send(ctx context.Context, packet []byte, dest net.Addr) error {
	select {
	case <-ctx.Done():
		return &errors.NetworkError{
			Operation: "send packet",
			Err:       ctx.Err(),
			Details:   "context canceled before send",
		}
	default:
	}

	if dest == nil {
		dest = t.group
	}

	n, err := t.conn.WriteTo(packet, dest)
	if err != nil {
		return &errors.NetworkError{
			Operation: "send packet",
			Err:       err,
			Details:   fmt.Sprintf("failed to send %d bytes to %s", len(packet), dest),
		}
	}
	if n != len(packet) {
		return &errors.NetworkError{
			Operation: "send packet",
			Err:       fmt.Errorf("partial write: %d/%d bytes", n, len(packet)),
			Details:   "incomplete transmission",
		}
	}
	return nil
}

// Receive waits for the next datagram.
func (t *UDPv4Transport) Receive(ctx context.Context) ([]byte, net.Addr, int, error) {
	select {
	case <-ctx.Done():
		return nil, nil, 0, &errors.NetworkError{
			Operation: "receive packet",
			Err:       ctx.Err(),
			Details:   "context canceled before receive",
		}
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, nil, 0, &errors.NetworkError{
				Operation: "set read timeout",
				Err:       err,
				Details:   fmt.Sprintf("failed to set deadline %v", deadline),
			}
		}
	}

	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)
	buffer := *bufPtr

	n, cm, srcAddr, err := t.ipv4Conn.ReadFrom(buffer)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil, 0, &errors.NetworkError{
				Operation: "receive packet",
				Err:       err,
				Details:   "timeout",
			}
		}
		return nil, nil, 0, &errors.NetworkError{
			Operation: "receive packet",
			Err:       err,
			Details:   "failed to read from socket",
		}
	}

	interfaceIndex := 0
	if cm != nil {
		interfaceIndex = cm.IfIndex
	}

	// The pool owns buffer; the caller owns the copy.
	result := make([]byte, n)
	copy(result, buffer[:n])
	return result, srcAddr, interfaceIndex, nil
}

// Close releases the socket.
func (t *UDPv4Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	if err := t.conn.Close(); err != nil {
		return &errors.NetworkError{
			Operation: "close socket",
			Err:       err,
			Details:   "failed to close UDP connection",
		}
	}
	return nil
}
