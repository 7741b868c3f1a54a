// Package transport provides the datagram transports the discovery engine
// runs on.
//
// The engine never touches sockets directly: the advertising side and the
// discovery side each own one Transport. UDPv4Transport is the production
// IPv4 multicast implementation; MockTransport is an in-memory double used to
// drive the engine in tests.
package transport

import (
	"context"
	"net"
)

// Transport sends and receives whole datagrams.
type Transport interface {
	// Send transmits packet to dest. A nil dest means the transport's
	// multicast group.
	//
	// Returns a NetworkError on transmission failure.
	Send(ctx context.Context, packet []byte, dest net.Addr) error

	// Receive waits for the next datagram.
	//
	// Returns:
	//   - packet: the datagram, owned by the caller
	//   - srcAddr: the sender
	//   - interfaceIndex: OS interface index the datagram arrived on, or 0
	//     when unknown (control messages unsupported on the platform)
	//   - error: NetworkError on cancellation, timeout, or socket failure
	//
	// Context handling:
	//   - ctx.Done(): return immediately if already canceled
	//   - ctx.Deadline(): propagated to the socket read deadline
	Receive(ctx context.Context) (packet []byte, srcAddr net.Addr, interfaceIndex int, err error)

	// LocalAddr returns the bound address.
	LocalAddr() net.Addr

	// Close releases network resources. A blocked Receive returns an error.
	Close() error
}
