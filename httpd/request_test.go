package httpd

import (
	goerrors "errors"
	"reflect"
	"strconv"
	"strings"
	"testing"
)

// feedAll feeds input in pieces of size n (0 = all at once).
func feedAll(t *testing.T, input string, n int) *RequestParser {
	t.Helper()
	p := NewRequestParser()
	data := []byte(input)
	if n <= 0 {
		n = len(data)
	}
	for len(data) > 0 {
		k := n
		if k > len(data) {
			k = len(data)
		}
		if _, err := p.Feed(data[:k]); err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
		data = data[k:]
	}
	return p
}

func TestRequestParser_GetWithRepeatedParams(t *testing.T) {
	p := feedAll(t, "GET /get-text?x=1&x=2 HTTP/1.1\r\nHost: h\r\n\r\n", 0)

	if p.State() != Complete {
		t.Fatalf("State() = %v, want Complete", p.State())
	}
	req := p.Request()
	if req.Method != "GET" || req.Path != "/get-text" {
		t.Errorf("Method, Path = %q, %q", req.Method, req.Path)
	}
	if want := (Params{"x": {"1", "2"}}); !reflect.DeepEqual(req.Params, want) {
		t.Errorf("Params = %v, want %v", req.Params, want)
	}
	if want := (Headers{"Host": "h"}); !reflect.DeepEqual(req.Headers, want) {
		t.Errorf("Headers = %v, want %v", req.Headers, want)
	}
	if len(req.Content) != 0 || req.ContentLength != -1 {
		t.Errorf("Content = %q, ContentLength = %d, want empty, -1", req.Content, req.ContentLength)
	}
}

func TestRequestParser_ChunkingIsInvisible(t *testing.T) {
	inputs := []string{
		"GET /get-text?x=1&x=2&y=%20z HTTP/1.1\r\nHost: h\r\nAccept: */*\r\n\r\n",
		"POST /submit?id=7 HTTP/1.1\r\nHost: h\r\nContent-Length: 11\r\n\r\nhello world",
		"PUT /p HTTP/1.1\r\nContent-Length: 3\r\n\r\nabcEXTRA",
	}

	for _, input := range inputs {
		whole := feedAll(t, input, 0)
		for _, size := range []int{1, 2, 3, 5, 7, 64} {
			split := feedAll(t, input, size)
			if split.State() != whole.State() {
				t.Fatalf("chunk %d: State() = %v, want %v", size, split.State(), whole.State())
			}
			if !reflect.DeepEqual(split.Request(), whole.Request()) {
				t.Errorf("chunk %d: request = %+v, want %+v", size, split.Request(), whole.Request())
			}
			if string(split.Remainder()) != string(whole.Remainder()) {
				t.Errorf("chunk %d: Remainder() = %q, want %q", size, split.Remainder(), whole.Remainder())
			}
		}
	}
}

func TestRequestParser_Body(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		wantState     State
		wantContent   string
		wantRemainder string
	}{
		{
			name:        "exact body",
			input:       "POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello",
			wantState:   Complete,
			wantContent: "hello",
		},
		{
			name:          "body longer than Content-Length is truncated",
			input:         "POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello, world",
			wantState:     Complete,
			wantContent:   "hello",
			wantRemainder: ", world",
		},
		{
			name:        "body still arriving",
			input:       "POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nhello",
			wantState:   ReadingBody,
			wantContent: "hello",
		},
		{
			name:      "zero Content-Length",
			input:     "POST / HTTP/1.1\r\nContent-Length: 0\r\n\r\n",
			wantState: Complete,
		},
		{
			name:          "non-numeric Content-Length means no body",
			input:         "POST / HTTP/1.1\r\nContent-Length: lots\r\n\r\nhello",
			wantState:     Complete,
			wantRemainder: "hello",
		},
		{
			name:          "negative Content-Length means no body",
			input:         "POST / HTTP/1.1\r\nContent-Length: -4\r\n\r\nhello",
			wantState:     Complete,
			wantRemainder: "hello",
		},
		{
			name:        "lower-case header name",
			input:       "POST / HTTP/1.1\r\ncontent-length: 2\r\n\r\nok",
			wantState:   Complete,
			wantContent: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := feedAll(t, tt.input, 0)
			if p.State() != tt.wantState {
				t.Fatalf("State() = %v, want %v", p.State(), tt.wantState)
			}
			if got := string(p.Request().Content); got != tt.wantContent {
				t.Errorf("Content = %q, want %q", got, tt.wantContent)
			}
			if got := string(p.Remainder()); got != tt.wantRemainder {
				t.Errorf("Remainder() = %q, want %q", got, tt.wantRemainder)
			}
		})
	}
}

func TestRequestParser_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "HTTP/1.0", input: "GET / HTTP/1.0\r\n\r\n"},
		{name: "HTTP/2", input: "GET / HTTP/2\r\n\r\n"},
		{name: "missing version", input: "GET /\r\n\r\n"},
		{name: "extra field", input: "GET / x HTTP/1.1\r\n\r\n"},
		{name: "empty request line", input: "\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewRequestParser()
			state, err := p.Feed([]byte(tt.input))
			if state != Invalid {
				t.Errorf("Feed() state = %v, want Invalid", state)
			}
			if !goerrors.Is(err, ErrInvalidRequest) {
				t.Errorf("Feed() error = %v, want ErrInvalidRequest", err)
			}

			// Terminal: more bytes change nothing.
			state, err = p.Feed([]byte("GET / HTTP/1.1\r\n\r\n"))
			if state != Invalid || !goerrors.Is(err, ErrInvalidRequest) {
				t.Errorf("second Feed() = %v, %v", state, err)
			}
			if p.Request() != nil {
				t.Error("Request() != nil for invalid request")
			}
		})
	}
}

func TestRequestParser_HeaderLines(t *testing.T) {
	p := feedAll(t, "GET / HTTP/1.1\r\n"+
		"Host: h\r\n"+
		"NoSeparator\r\n"+
		"Colon:NoSpace\r\n"+
		"Two: a: b\r\n"+
		"X-Empty: \r\n"+
		"Host: again\r\n\r\n", 0)

	want := Headers{"Host": "again", "X-Empty": ""}
	if got := p.Request().Headers; !reflect.DeepEqual(got, want) {
		t.Errorf("Headers = %v, want %v", got, want)
	}
}

func TestRequestParser_Events(t *testing.T) {
	p := NewRequestParser()
	var headers, completes int
	var chunks []string
	p.OnHeader = func(req *Request) {
		headers++
		if req.Path != "/upload" {
			t.Errorf("OnHeader path = %q", req.Path)
		}
	}
	p.OnData = func(chunk []byte) { chunks = append(chunks, string(chunk)) }
	p.OnComplete = func(*Request) { completes++ }

	for _, piece := range []string{
		"POST /upload HTTP/1.1\r\nContent-Length: 9\r\n\r\nabc",
		"def",
		"ghiTAIL",
		"more",
	} {
		if _, err := p.Feed([]byte(piece)); err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
	}

	if headers != 1 || completes != 1 {
		t.Errorf("OnHeader = %d, OnComplete = %d calls, want 1 each", headers, completes)
	}
	if want := []string{"abc", "def", "ghi"}; !reflect.DeepEqual(chunks, want) {
		t.Errorf("OnData chunks = %q, want %q", chunks, want)
	}
	if got := string(p.Remainder()); got != "TAILmore" {
		t.Errorf("Remainder() = %q, want TAILmore", got)
	}
}

func TestRequestParser_HeaderTooLarge(t *testing.T) {
	p := NewRequestParser()
	p.MaxHeaderBytes = 32

	state, err := p.Feed([]byte("GET /" + strings.Repeat("a", 64)))
	if state != Invalid || !goerrors.Is(err, ErrInvalidRequest) {
		t.Errorf("Feed() = %v, %v, want Invalid", state, err)
	}
}

func TestRequestParser_BodyTooLarge(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		input string
	}{
		{name: "near max int", input: "POST / HTTP/1.1\r\nContent-Length: 999999999999999999\r\n\r\n"},
		{name: "above default", input: "POST / HTTP/1.1\r\nContent-Length: 16777217\r\n\r\n"},
		{name: "above configured", limit: 8, input: "POST / HTTP/1.1\r\nContent-Length: 9\r\n\r\nnine byte"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewRequestParser()
			p.MaxBodyBytes = tt.limit
			var headers int
			p.OnHeader = func(*Request) { headers++ }

			state, err := p.Feed([]byte(tt.input))
			if state != Invalid || !goerrors.Is(err, ErrInvalidRequest) {
				t.Fatalf("Feed() = %v, %v, want Invalid", state, err)
			}
			if headers != 0 || p.Request() != nil {
				t.Errorf("OnHeader calls = %d, Request() = %v, want none", headers, p.Request())
			}
		})
	}
}

func TestRequestParser_BodyAtLimit(t *testing.T) {
	p := NewRequestParser()
	p.MaxBodyBytes = 4
	if _, err := p.Feed([]byte("POST / HTTP/1.1\r\nContent-Length: 4\r\n\r\nbody")); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if p.State() != Complete || p.Request().Text() != "body" {
		t.Errorf("State() = %v, Text() = %q", p.State(), p.Request().Text())
	}
}

func TestRequestParser_LargeBodyGrows(t *testing.T) {
	body := strings.Repeat("x", initialBodyCap*2+1)
	p := feedAll(t, "POST / HTTP/1.1\r\nContent-Length: "+strconv.Itoa(len(body))+"\r\n\r\n"+body, 4096)
	if p.State() != Complete || p.Request().Text() != body {
		t.Errorf("State() = %v, body length = %d, want Complete, %d", p.State(), len(p.Request().Content), len(body))
	}
}

func TestRequestParser_UnusableContentLengthCompletesOnce(t *testing.T) {
	for _, value := range []string{"-1", "-999999999999999999", "abc", "12abc", "99999999999999999999999"} {
		t.Run(value, func(t *testing.T) {
			p := NewRequestParser()
			var completes int
			p.OnComplete = func(*Request) { completes++ }

			state, err := p.Feed([]byte("POST / HTTP/1.1\r\nContent-Length: " + value + "\r\n\r\n"))
			if err != nil || state != Complete {
				t.Fatalf("Feed() = %v, %v, want Complete", state, err)
			}
			if _, err := p.Feed([]byte("trailing")); err != nil {
				t.Fatalf("second Feed() error = %v", err)
			}
			if completes != 1 {
				t.Errorf("OnComplete calls = %d, want 1", completes)
			}
			if req := p.Request(); req.ContentLength != -1 || len(req.Content) != 0 {
				t.Errorf("ContentLength = %d, Content = %q, want -1, empty", req.ContentLength, req.Content)
			}
		})
	}
}

func TestRequestParser_TerminatorAcrossFeeds(t *testing.T) {
	p := NewRequestParser()
	for _, piece := range []string{"GET / HTTP/1.1\r", "\n", "\r", "\n"} {
		if _, err := p.Feed([]byte(piece)); err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
	}
	if p.State() != Complete {
		t.Errorf("State() = %v, want Complete", p.State())
	}
}

func TestParseQuery(t *testing.T) {
	tests := []struct {
		query string
		want  Params
	}{
		{query: "", want: Params{}},
		{query: "a=1", want: Params{"a": {"1"}}},
		{query: "a=1&a=2&a=3", want: Params{"a": {"1", "2", "3"}}},
		{query: "flag&&b=", want: Params{"flag": {""}, "b": {""}}},
		{query: "q=a%20b+c&k%3D=v=w", want: Params{"q": {"a b c"}, "k=": {"v=w"}}},
		{query: "bad=%zz", want: Params{"bad": {"%zz"}}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := ParseQuery(tt.query); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseQuery(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestParamsAndHeadersAccessors(t *testing.T) {
	p := Params{"x": {"1", "2"}}
	if p.Get("x") != "1" || p.Get("y") != "" || !p.Has("x") || p.Has("y") {
		t.Errorf("Params accessors wrong for %v", p)
	}
	if len(p.Values("x")) != 2 {
		t.Errorf("Values(x) = %v", p.Values("x"))
	}

	h := Headers{"Sec-WebSocket-Key": "k"}
	if h.Get("sec-websocket-key") != "k" || h.Get("Missing") != "" {
		t.Errorf("Headers.Get case folding failed for %v", h)
	}
}

func TestState_String(t *testing.T) {
	for state, want := range map[State]string{
		ReadingHeader: "ReadingHeader",
		ReadingBody:   "ReadingBody",
		Complete:      "Complete",
		Invalid:       "Invalid",
		State(9):      "State(9)",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}
