// Package httpd is a small HTTP/1.1 server built on a streaming request
// parser.
//
// Each accepted connection carries exactly one request. The parser consumes
// bytes as they arrive; once the request is complete the handler receives it
// together with a Response, which can send a buffered reply, stream a body
// progressively, or hijack the connection (the WebSocket upgrade does this).
// Every reply closes the connection.
//
// Supported: request line, headers, and a body framed by Content-Length.
// Not supported: chunked transfer encoding, keep-alive, TLS, HTTP/2.
//
// Example:
//
//	srv := httpd.NewServer(httpd.DefaultConfig(), httpd.HandlerFunc(
//	    func(req *httpd.Request, resp *httpd.Response) {
//	        _ = resp.SendText(200, "hello "+req.Params.Get("name"))
//	    }))
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop()
package httpd

import (
	"bytes"
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/joshuafuller/flyweb/internal/errors"
)

// Server defaults.
const (
	DefaultPort           = 8080
	DefaultHeaderTimeout  = 20 * time.Second
	DefaultReadBufferSize = 4096
)

// NotFoundBody is the reply when no handler is installed.
const NotFoundBody = "404 Not Found"

// Config configures a Server.
type Config struct {
	// Port to listen on. Zero picks an ephemeral port.
	Port int

	// HeaderTimeout bounds the time from accept until the request head has
	// been read. Zero disables the limit.
	HeaderTimeout time.Duration

	// ReadBufferSize is the size of each connection read.
	ReadBufferSize int

	// MaxHeaderBytes bounds the request head. Zero means
	// DefaultMaxHeaderBytes.
	MaxHeaderBytes int

	// MaxBodyBytes bounds the declared Content-Length. Larger requests are
	// dropped without a response. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int

	// Logger receives connection-level diagnostics. Nil discards them.
	Logger *slog.Logger
}

// DefaultConfig returns the configuration of a server on port 8080.
func DefaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		HeaderTimeout:  DefaultHeaderTimeout,
		ReadBufferSize: DefaultReadBufferSize,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		MaxBodyBytes:   DefaultMaxBodyBytes,
	}
}

// Handler responds to a request.
//
// The handler owns resp: it must eventually call Send, end a Stream, or
// close a hijacked connection. It may do so after returning.
type Handler interface {
	ServeFlyWeb(req *Request, resp *Response)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request, resp *Response)

// ServeFlyWeb calls f(req, resp).
func (f HandlerFunc) ServeFlyWeb(req *Request, resp *Response) {
	f(req, resp)
}

// Server accepts connections and dispatches one request per connection.
type Server struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	port     int
	running  bool
	conns    sync.WaitGroup
}

// NewServer returns a stopped server. A nil handler answers every request
// with 404.
func NewServer(cfg Config, handler Handler) *Server {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		port:    cfg.Port,
	}
}

// Start binds the listening socket and begins accepting. Starting a running
// server is a no-op.
//
// Returns a NetworkError if the port cannot be bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	var lc net.ListenConfig
	addr := net.JoinHostPort("", strconv.Itoa(s.cfg.Port))
	ln, err := lc.Listen(ctx, "tcp4", addr)
	if err != nil {
		return &errors.NetworkError{
			Operation: "listen",
			Err:       err,
			Details:   fmt.Sprintf("failed to bind %s", addr),
		}
	}

	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.running = true

	s.logger.Info("http server started", slog.Int("port", s.port))
	go s.acceptLoop(ln)
	return nil
}

// Port returns the bound port, or the configured port before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop closes the listening socket. Connections already accepted keep
// running to completion. Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.logger.Info("http server stopped", slog.Int("port", s.port))
	if err := s.listener.Close(); err != nil && !goerrors.Is(err, net.ErrClosed) {
		return &errors.NetworkError{Operation: "close listener", Err: err}
	}
	return nil
}

// Wait blocks until every accepted connection has been dispatched.
func (s *Server) Wait() {
	s.conns.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if goerrors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if goerrors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Warn("accept failed", slog.Any("error", err))
			return
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(conn)
		}()
	}
}

// serveConn reads one request from conn and hands it to the handler.
func (s *Server) serveConn(conn net.Conn) {
	parser := NewRequestParser()
	parser.MaxHeaderBytes = s.cfg.MaxHeaderBytes
	parser.MaxBodyBytes = s.cfg.MaxBodyBytes

	if s.cfg.HeaderTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HeaderTimeout))
	}
	parser.OnHeader = func(*Request) {
		if s.cfg.HeaderTimeout > 0 {
			_ = conn.SetReadDeadline(time.Time{})
		}
	}

	buf := make([]byte, s.cfg.ReadBufferSize)
	for parser.State() != Complete {
		n, rerr := conn.Read(buf)
		if n > 0 {
			if _, err := parser.Feed(buf[:n]); err != nil {
				s.logger.Debug("invalid request",
					slog.Any("remote", conn.RemoteAddr()),
					slog.Any("error", err))
				_ = conn.Close()
				return
			}
		}
		if rerr != nil && parser.State() != Complete {
			if !goerrors.Is(rerr, io.EOF) {
				s.logger.Debug("request read failed",
					slog.Any("remote", conn.RemoteAddr()),
					slog.String("state", parser.State().String()),
					slog.Any("error", rerr))
			}
			_ = conn.Close()
			return
		}
	}

	req := parser.Request()
	req.RemoteAddr = conn.RemoteAddr()
	input := io.MultiReader(bytes.NewReader(parser.Remainder()), conn)
	resp := NewResponse(conn, input, s.logger)

	s.logger.Debug("request",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Any("remote", req.RemoteAddr))

	if s.handler == nil {
		_ = resp.Send(http.StatusNotFound, map[string]string{"Content-Type": "text/plain"}, []byte(NotFoundBody))
		return
	}
	s.handler.ServeFlyWeb(req, resp)
}
