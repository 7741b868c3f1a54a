package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/joshuafuller/flyweb/internal/errors"
)

// Packet is a datagram with its peer address.
type Packet struct {
	Data           []byte
	Addr           net.Addr
	InterfaceIndex int
}

// MockTransport is an in-memory Transport. Tests inject datagrams with Inject
// and inspect what the engine sent with Sent or WaitSent.
type MockTransport struct {
	mu      sync.Mutex
	sent    []Packet
	sendErr error
	signal  chan struct{}

	incoming  chan Packet
	closed    chan struct{}
	closeOnce sync.Once
	local     net.Addr
}

// NewMockTransport returns a mock bound to local. A nil local reports
// 127.0.0.1:0.
func NewMockTransport(local net.Addr) *MockTransport {
	if local == nil {
		local = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
	}
	return &MockTransport{
		signal:   make(chan struct{}, 1),
		incoming: make(chan Packet, 64),
		closed:   make(chan struct{}),
		local:    local,
	}
}

// SetSendError makes every later Send fail with err. Nil restores success.
func (m *MockTransport) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Send records a copy of packet. A nil dest is recorded as nil.
func (m *MockTransport) Send(ctx context.Context, packet []byte, dest net.Addr) error {
	if err := ctx.Err(); err != nil {
		return &errors.NetworkError{Operation: "send packet", Err: err, Details: "context canceled before send"}
	}

	m.mu.Lock()
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return &errors.NetworkError{Operation: "send packet", Err: err}
	}
	m.sent = append(m.sent, Packet{Data: append([]byte(nil), packet...), Addr: dest})
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns the next injected datagram.
func (m *MockTransport) Receive(ctx context.Context) ([]byte, net.Addr, int, error) {
	select {
	case p := <-m.incoming:
		return p.Data, p.Addr, p.InterfaceIndex, nil
	case <-ctx.Done():
		return nil, nil, 0, &errors.NetworkError{Operation: "receive packet", Err: ctx.Err()}
	case <-m.closed:
		return nil, nil, 0, &errors.NetworkError{Operation: "receive packet", Err: net.ErrClosed}
	}
}

// Inject queues a datagram for Receive.
func (m *MockTransport) Inject(data []byte, from net.Addr) {
	m.incoming <- Packet{Data: data, Addr: from}
}

// Sent returns a snapshot of every packet sent so far.
func (m *MockTransport) Sent() []Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Packet(nil), m.sent...)
}

// WaitSent waits until at least n packets were sent or timeout elapses, and
// returns the snapshot either way.
func (m *MockTransport) WaitSent(n int, timeout time.Duration) []Packet {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if sent := m.Sent(); len(sent) >= n {
			return sent
		}
		select {
		case <-m.signal:
		case <-deadline.C:
			return m.Sent()
		}
	}
}

// LocalAddr returns the address given to NewMockTransport.
func (m *MockTransport) LocalAddr() net.Addr {
	return m.local
}

// Close unblocks Receive. It is safe to call more than once.
func (m *MockTransport) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}
