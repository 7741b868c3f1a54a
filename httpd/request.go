package httpd

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/joshuafuller/flyweb/internal/bytebuf"
)

// HTTPVersion is the only protocol version the parser accepts.
const HTTPVersion = "HTTP/1.1"

// DefaultMaxHeaderBytes bounds the request line plus headers.
const DefaultMaxHeaderBytes = 64 << 10

// DefaultMaxBodyBytes bounds the declared Content-Length.
const DefaultMaxBodyBytes = 16 << 20

// initialBodyCap caps the up-front body allocation; larger bodies grow as
// bytes arrive.
const initialBodyCap = 64 << 10

var headerEnd = []byte("\r\n\r\n")

// ErrInvalidRequest is returned by Feed when the request head is malformed.
// The connection must be closed without a response.
var ErrInvalidRequest = errors.New("invalid HTTP request")

// State is the position of a RequestParser in its lifecycle.
type State int

const (
	// ReadingHeader accumulates bytes until the blank line ending the head.
	ReadingHeader State = iota
	// ReadingBody accumulates exactly Content-Length body bytes.
	ReadingBody
	// Complete is terminal: the request is fully parsed.
	Complete
	// Invalid is terminal: the head was malformed.
	Invalid
)

func (s State) String() string {
	switch s {
	case ReadingHeader:
		return "ReadingHeader"
	case ReadingBody:
		return "ReadingBody"
	case Complete:
		return "Complete"
	case Invalid:
		return "Invalid"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Request is a parsed HTTP/1.1 request.
type Request struct {
	Method  string
	Path    string
	Params  Params
	Headers Headers

	// Content is the body, exactly ContentLength bytes long. It is empty when
	// the request had no valid Content-Length header.
	Content []byte

	// ContentLength is the declared body length, or -1 when absent.
	ContentLength int

	// RemoteAddr is the peer address, set by the server.
	RemoteAddr net.Addr
}

// Text returns Content as a string.
func (r *Request) Text() string {
	return string(r.Content)
}

// RequestParser is an incremental HTTP/1.1 request parser. Bytes are fed in
// whatever pieces the connection delivers them; a head split across any
// number of reads parses the same as one delivered at once.
//
// The parser moves ReadingHeader -> ReadingBody -> Complete, or from
// ReadingHeader to Invalid. Complete and Invalid are terminal. A head whose
// Content-Length exceeds MaxBodyBytes is Invalid.
type RequestParser struct {
	// OnHeader is called once, when the head has been parsed.
	OnHeader func(req *Request)

	// OnData is called with each piece of body as it arrives.
	OnData func(chunk []byte)

	// OnComplete is called exactly once, when the request is complete.
	OnComplete func(req *Request)

	// MaxHeaderBytes bounds the head. Zero means DefaultMaxHeaderBytes.
	MaxHeaderBytes int

	// MaxBodyBytes bounds Content-Length. A request declaring more is
	// Invalid. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int

	state     State
	head      *bytebuf.Buffer
	req       *Request
	remainder []byte
	err       error
}

// NewRequestParser returns a parser in the ReadingHeader state.
func NewRequestParser() *RequestParser {
	return &RequestParser{head: bytebuf.New(1024)}
}

// State returns the current state.
func (p *RequestParser) State() State {
	return p.state
}

// Request returns the request being parsed. It is nil until the head is
// parsed and must not be modified before Complete.
func (p *RequestParser) Request() *Request {
	return p.req
}

// Remainder returns bytes that were fed after the request ended: after the
// head when there was no body, or past Content-Length. A WebSocket upgrade
// hands them to the frame reader.
func (p *RequestParser) Remainder() []byte {
	return p.remainder
}

// Feed consumes data and returns the resulting state. A transition to
// Invalid returns an error wrapping ErrInvalidRequest; feeding a parser that
// is already Invalid returns the same error again. Bytes fed after Complete
// are appended to Remainder.
func (p *RequestParser) Feed(data []byte) (State, error) {
	switch p.state {
	case ReadingHeader:
		return p.feedHeader(data)
	case ReadingBody:
		p.feedBody(data)
		return p.state, nil
	case Complete:
		p.remainder = append(p.remainder, data...)
		return p.state, nil
	default:
		return p.state, p.err
	}
}

func (p *RequestParser) feedHeader(data []byte) (State, error) {
	// Only the last three bytes of what we already have can begin a
	// terminator that ends in the new data.
	from := p.head.Len() - (len(headerEnd) - 1)
	if from < 0 {
		from = 0
	}
	p.head.Append(data)

	buffered := p.head.Bytes()
	idx := bytes.Index(buffered[from:], headerEnd)
	if idx < 0 {
		limit := p.MaxHeaderBytes
		if limit <= 0 {
			limit = DefaultMaxHeaderBytes
		}
		if p.head.Len() > limit {
			return p.fail(fmt.Errorf("%w: header exceeds %d bytes", ErrInvalidRequest, limit))
		}
		return p.state, nil
	}
	idx += from

	req, err := parseHead(string(buffered[:idx]))
	if err != nil {
		return p.fail(err)
	}
	limit := p.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	if req.ContentLength > limit {
		return p.fail(fmt.Errorf("%w: Content-Length %d exceeds %d", ErrInvalidRequest, req.ContentLength, limit))
	}
	rest := append([]byte(nil), buffered[idx+len(headerEnd):]...)
	p.head.Reset()
	p.req = req

	if p.OnHeader != nil {
		p.OnHeader(req)
	}

	if req.ContentLength < 0 {
		p.remainder = rest
		p.complete()
		return p.state, nil
	}

	p.state = ReadingBody
	req.Content = make([]byte, 0, min(req.ContentLength, initialBodyCap))
	p.feedBody(rest)
	return p.state, nil
}

func (p *RequestParser) feedBody(data []byte) {
	need := p.req.ContentLength - len(p.req.Content)
	if len(data) > need {
		p.remainder = append(p.remainder, data[need:]...)
		data = data[:need]
	}
	if len(data) > 0 {
		p.req.Content = append(p.req.Content, data...)
		if p.OnData != nil {
			p.OnData(data)
		}
	}
	if len(p.req.Content) >= p.req.ContentLength {
		p.complete()
	}
}

func (p *RequestParser) complete() {
	p.state = Complete
	if p.OnComplete != nil {
		p.OnComplete(p.req)
	}
}

func (p *RequestParser) fail(err error) (State, error) {
	p.state = Invalid
	p.err = err
	p.head.Reset()
	return p.state, err
}

// parseHead parses the request line and header lines.
func parseHead(head string) (*Request, error) {
	lines := strings.Split(head, "\r\n")

	parts := strings.Split(lines[0], " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: malformed request line %q", ErrInvalidRequest, lines[0])
	}
	method, uri, version := parts[0], parts[1], parts[2]
	if version != HTTPVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidRequest, version)
	}

	path, query, _ := strings.Cut(uri, "?")

	req := &Request{
		Method:        method,
		Path:          path,
		Params:        ParseQuery(query),
		Headers:       make(Headers, len(lines)-1),
		ContentLength: -1,
	}

	for _, line := range lines[1:] {
		// Lines without exactly one ": " separator are skipped.
		if strings.Count(line, ": ") != 1 {
			continue
		}
		name, value, _ := strings.Cut(line, ": ")
		req.Headers[name] = value
	}

	if v, ok := req.Headers.Lookup("Content-Length"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			req.ContentLength = n
		}
	}
	return req, nil
}
