package httpd

import (
	goerrors "errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/joshuafuller/flyweb/internal/errors"
)

// Stream is a progressive response body. Chunks are queued by Send and
// written in order by a background writer; End closes the connection once
// the queue has drained.
//
// Send and End never block on the network. After End, or after a write
// error, both are no-ops. A stream whose peer disconnects fails with a
// NetworkError and closes, whether or not End was called.
type Stream struct {
	w      io.WriteCloser
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	queued int
	ended    bool
	finished bool
	err      error

	done chan struct{}
}

func newStream(w io.WriteCloser, logger *slog.Logger) *Stream {
	s := &Stream{
		w:      w,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.drain()
	return s
}

// Send queues a copy of chunk.
func (s *Stream) Send(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.err != nil {
		return
	}
	s.queue = append(s.queue, append([]byte(nil), chunk...))
	s.queued += len(chunk)
	s.cond.Signal()
}

// SendString queues the bytes of text.
func (s *Stream) SendString(text string) {
	s.Send([]byte(text))
}

// Write implements io.Writer on top of Send. It fails once the stream has
// ended or errored.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	ended, err := s.ended, s.err
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if ended {
		return 0, net.ErrClosed
	}
	s.Send(p)
	return len(p), nil
}

// End marks the stream finished. The connection closes after every queued
// chunk has been written.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.cond.Signal()
}

// Buffered returns the number of queued bytes not yet written.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

// Done is closed when the stream has finished: ended and drained, or failed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the write error that stopped the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until Done and returns Err.
func (s *Stream) Wait() error {
	<-s.done
	return s.Err()
}

func (s *Stream) drain() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.ended && s.err == nil {
			s.cond.Wait()
		}
		if err := s.err; err != nil {
			s.finished = true
			s.mu.Unlock()
			s.logger.Debug("stream aborted", slog.Any("error", err))
			_ = s.w.Close()
			return
		}
		if len(s.queue) == 0 {
			s.finished = true
			s.mu.Unlock()
			if err := s.w.Close(); err != nil && !goerrors.Is(err, net.ErrClosed) {
				s.logger.Debug("stream close failed", slog.Any("error", err))
			}
			return
		}
		chunk := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		err := writeFull(s.w, chunk)

		s.mu.Lock()
		if s.err != nil {
			s.mu.Unlock()
			continue
		}
		s.queued -= len(chunk)
		if err != nil {
			s.err = &errors.NetworkError{
				Operation: "stream response",
				Err:       err,
			}
			s.queue = nil
			s.queued = 0
			s.finished = true
			s.mu.Unlock()
			s.logger.Warn("stream write failed", slog.Any("error", err))
			_ = s.w.Close()
			return
		}
		s.mu.Unlock()
	}
}

// watch reads from the peer until the read fails, then stops the stream.
// Anything the client sends is discarded.
func (s *Stream) watch(r io.Reader) {
	buf := make([]byte, 512)
	for {
		if _, err := r.Read(buf); err != nil {
			s.abort(err)
			return
		}
	}
}

func (s *Stream) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.err != nil {
		return
	}
	s.err = &errors.NetworkError{
		Operation: "stream response",
		Err:       err,
		Details:   "peer disconnected",
	}
	s.queue = nil
	s.queued = 0
	s.cond.Signal()
}
