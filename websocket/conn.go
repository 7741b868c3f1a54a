// Package websocket implements the server side of RFC 6455 on top of httpd:
// the version 13 opening handshake and unfragmented frames with payloads of
// up to 64 KiB.
//
// Example:
//
//	func serve(req *httpd.Request, resp *httpd.Response) {
//	    ws, err := websocket.Upgrade(req, resp)
//	    if err != nil {
//	        _ = resp.SendText(400, err.Error())
//	        return
//	    }
//	    defer ws.Close()
//	    for {
//	        kind, msg, err := ws.ReadMessage()
//	        if err != nil {
//	            return
//	        }
//	        _ = ws.Write(kind, msg)
//	    }
//	}
package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/joshuafuller/flyweb/httpd"
	"github.com/joshuafuller/flyweb/internal/bytebuf"
)

// acceptGUID is appended to the client key before hashing (RFC 6455 §1.3).
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// readSize is the size of each connection read.
const readSize = 4096

// Handshake and message errors.
var (
	// ErrBadHandshake wraps every opening handshake failure.
	ErrBadHandshake = errors.New("websocket: bad handshake")

	// ErrCloseReceived is returned by ReadMessage once the peer sent Close.
	ErrCloseReceived = errors.New("websocket: close frame received")

	// ErrFragmented reports a non-final or continuation frame.
	ErrFragmented = errors.New("websocket: fragmented messages are not supported")

	// ErrUnknownOpcode reports a reserved opcode.
	ErrUnknownOpcode = errors.New("websocket: unknown opcode")

	// ErrInvalidUTF8 reports a text message that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("websocket: invalid UTF-8 in text message")
)

// MessageType distinguishes text and binary messages.
type MessageType = Opcode

// Message types.
const (
	TextMessage   = OpText
	BinaryMessage = OpBinary
)

// AcceptKey returns the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// CheckHandshake validates the upgrade headers of req and returns the client
// key.
func CheckHandshake(req *httpd.Request) (string, error) {
	if !strings.EqualFold(req.Headers.Get("Upgrade"), "websocket") {
		return "", fmt.Errorf("%w: Upgrade header not given", ErrBadHandshake)
	}
	key := req.Headers.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", fmt.Errorf("%w: Sec-WebSocket-Key not given", ErrBadHandshake)
	}
	if v := req.Headers.Get("Sec-WebSocket-Version"); v != "13" {
		return "", fmt.Errorf("%w: unsupported Sec-WebSocket-Version %q", ErrBadHandshake, v)
	}
	return key, nil
}

// Upgrade completes the opening handshake for req and takes over the
// connection. On a handshake error resp is left untouched so the caller can
// still reply.
func Upgrade(req *httpd.Request, resp *httpd.Response, opts ...Option) (*Conn, error) {
	key, err := CheckHandshake(req)
	if err != nil {
		return nil, err
	}

	netConn, input, err := resp.Hijack()
	if err != nil {
		return nil, err
	}

	c := newConn(netConn, input)
	for _, opt := range opts {
		opt(c)
	}

	head := httpd.AppendHead(nil, 101, map[string]string{
		"Upgrade":              "websocket",
		"Connection":           "Upgrade",
		"Sec-WebSocket-Accept": AcceptKey(key),
	})
	if err := c.writeRaw(head); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	c.logger.Debug("websocket opened", slog.Any("remote", netConn.RemoteAddr()))
	return c, nil
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the connection's logger. Default: discard.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Conn is an open server-side WebSocket.
//
// ReadMessage must be called from one goroutine at a time. Writes may come
// from any goroutine.
type Conn struct {
	conn   net.Conn
	input  io.Reader
	in     *bytebuf.Buffer
	logger *slog.Logger

	writeMu sync.Mutex
	closed  bool
}

func newConn(conn net.Conn, input io.Reader) *Conn {
	if input == nil {
		input = conn
	}
	return &Conn{
		conn:   conn,
		input:  input,
		in:     bytebuf.New(readSize),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ReadMessage returns the next text or binary message. Pings are answered
// with a Pong carrying the same payload and pongs are skipped.
//
// A Close frame from the peer returns ErrCloseReceived. Protocol violations
// return ErrUnmasked, ErrFrameTooLarge, ErrFragmented, ErrUnknownOpcode or
// ErrInvalidUTF8; the caller should then Close the connection.
func (c *Conn) ReadMessage() (MessageType, []byte, error) {
	for {
		frame, err := c.readFrame()
		if err != nil {
			return 0, nil, err
		}

		if !frame.Fin || frame.Opcode == OpContinuation {
			return 0, nil, ErrFragmented
		}

		switch frame.Opcode {
		case OpText:
			if !utf8.Valid(frame.Payload) {
				return 0, nil, ErrInvalidUTF8
			}
			return TextMessage, frame.Payload, nil
		case OpBinary:
			return BinaryMessage, frame.Payload, nil
		case OpPing:
			if err := c.writeFrame(OpPong, frame.Payload); err != nil {
				return 0, nil, err
			}
		case OpPong:
		case OpClose:
			return 0, nil, ErrCloseReceived
		default:
			return 0, nil, fmt.Errorf("%w: %s", ErrUnknownOpcode, frame.Opcode)
		}
	}
}

// ReadText returns the next message as a string.
func (c *Conn) ReadText() (string, error) {
	_, msg, err := c.ReadMessage()
	return string(msg), err
}

// readFrame parses the next frame, reading more input until one is whole.
func (c *Conn) readFrame() (Frame, error) {
	for {
		frame, n, err := ParseFrame(c.in.Bytes())
		if err != nil {
			return Frame{}, err
		}
		if n > 0 {
			c.in.Discard(n)
			return frame, nil
		}

		buf := make([]byte, readSize)
		m, rerr := c.input.Read(buf)
		c.in.Append(buf[:m])
		if rerr != nil && m == 0 {
			return Frame{}, rerr
		}
	}
}

// Send writes msg as a text frame.
func (c *Conn) Send(msg string) error {
	return c.writeFrame(OpText, []byte(msg))
}

// SendBinary writes data as a binary frame.
func (c *Conn) SendBinary(data []byte) error {
	return c.writeFrame(OpBinary, data)
}

// Write writes payload as a frame of the given type.
func (c *Conn) Write(kind MessageType, payload []byte) error {
	return c.writeFrame(kind, payload)
}

// Ping sends a ping with payload.
func (c *Conn) Ping(payload []byte) error {
	return c.writeFrame(OpPing, payload)
}

// Close sends a Close frame and closes the connection. It is safe to call
// more than once.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	frame, _ := AppendFrame(nil, OpClose, nil)
	_, werr := c.conn.Write(frame)
	cerr := c.conn.Close()
	c.logger.Debug("websocket closed", slog.Any("remote", c.conn.RemoteAddr()))
	if werr != nil {
		return werr
	}
	return cerr
}

func (c *Conn) writeFrame(op Opcode, payload []byte) error {
	frame, err := AppendFrame(nil, op, payload)
	if err != nil {
		return err
	}
	return c.writeRaw(frame)
}

func (c *Conn) writeRaw(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	for len(p) > 0 {
		n, err := c.conn.Write(p)
		if err != nil {
			c.logger.Warn("websocket write failed", slog.Any("error", err))
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
