package httpd

import (
	"bytes"
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/joshuafuller/flyweb/internal/errors"
)

// ErrResponseStarted is returned when a response is sent twice, or after the
// connection was hijacked.
var ErrResponseStarted = goerrors.New("response already started")

// DefaultContentType is set on buffered responses that do not name one.
const DefaultContentType = "text/html"

// Response writes the reply to one request. Exactly one of Send, Stream,
// StreamHead or Hijack may be used.
type Response struct {
	conn   net.Conn
	input  io.Reader
	logger *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewResponse returns a response writing to conn. input yields bytes the
// client sent after the request; it is handed out by Hijack.
func NewResponse(conn net.Conn, input io.Reader, logger *slog.Logger) *Response {
	if input == nil {
		input = conn
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Response{conn: conn, input: input, logger: logger}
}

func (r *Response) start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrResponseStarted
	}
	r.started = true
	return nil
}

// Started reports whether the response has been claimed.
func (r *Response) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Send writes a complete response and closes the connection. Content-Length
// is always set from body; Content-Type defaults to text/html. A zero status
// means 200.
//
// Returns a NetworkError if the write fails.
func (r *Response) Send(status int, headers map[string]string, body []byte) error {
	if err := r.start(); err != nil {
		return err
	}

	h := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		h[k] = v
	}
	setHeader(h, "Content-Length", strconv.Itoa(len(body)))
	if _, ok := Headers(h).Lookup("Content-Type"); !ok {
		h["Content-Type"] = DefaultContentType
	}

	msg := AppendHead(nil, status, h)
	msg = append(msg, body...)

	err := writeFull(r.conn, msg)
	if cerr := r.conn.Close(); err == nil && cerr != nil && !goerrors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	if err != nil {
		r.logger.Warn("response write failed",
			slog.Any("remote", r.conn.RemoteAddr()),
			slog.Any("error", err))
		return &errors.NetworkError{
			Operation: "send response",
			Err:       err,
			Details:   fmt.Sprintf("%d bytes", len(msg)),
		}
	}
	return nil
}

// SendText is Send with a text/plain body.
func (r *Response) SendText(status int, body string) error {
	return r.Send(status, map[string]string{"Content-Type": "text/plain; charset=utf-8"}, []byte(body))
}

// Stream claims the connection for progressive output and returns the
// stream. Nothing is written until Stream.Send; the caller supplies any
// status line and headers itself. The connection is read in the background
// so a disconnected client ends the stream.
func (r *Response) Stream() (*Stream, error) {
	if err := r.start(); err != nil {
		return nil, err
	}
	s := newStream(r.conn, r.logger)
	go s.watch(r.input)
	return s, nil
}

// StreamHead writes a status line and headers without Content-Length,
// marking the connection to close when the stream ends, and returns the
// stream for the body.
func (r *Response) StreamHead(status int, headers map[string]string) (*Stream, error) {
	s, err := r.Stream()
	if err != nil {
		return nil, err
	}
	h := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		h[k] = v
	}
	deleteHeader(h, "Content-Length")
	setHeader(h, "Connection", "close")
	if _, ok := Headers(h).Lookup("Content-Type"); !ok {
		h["Content-Type"] = DefaultContentType
	}
	s.Send(AppendHead(nil, status, h))
	return s, nil
}

// Hijack hands the connection to the caller, who becomes responsible for
// closing it. The reader yields any bytes the client sent after the request
// followed by further reads from the connection.
func (r *Response) Hijack() (net.Conn, io.Reader, error) {
	if err := r.start(); err != nil {
		return nil, nil, err
	}
	return r.conn, r.input, nil
}

// AppendHead appends the status line, headers and blank line to dst.
// Headers are written in sorted order so output is deterministic.
func AppendHead(dst []byte, status int, headers map[string]string) []byte {
	if status == 0 {
		status = http.StatusOK
	}
	buf := bytes.NewBuffer(dst)
	fmt.Fprintf(buf, "%s %d %s\r\n", HTTPVersion, status, StatusText(status))

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(headers[name])
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// setHeader sets name in h, replacing the header under any spelling.
func setHeader(h map[string]string, name, value string) {
	deleteHeader(h, name)
	h[name] = value
}

func deleteHeader(h map[string]string, name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}

// StatusText returns the reason phrase for code.
func StatusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}

// writeFull writes p, resuming after short writes until every byte is out.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
