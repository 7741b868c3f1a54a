package websocket

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/joshuafuller/flyweb/httpd"
)

// echoServer starts an httpd server whose handler upgrades every request and
// echoes messages back. The error that ended each session is sent on done.
func echoServer(t *testing.T) (string, <-chan error) {
	t.Helper()
	done := make(chan error, 4)

	cfg := httpd.DefaultConfig()
	cfg.Port = 0
	srv := httpd.NewServer(cfg, httpd.HandlerFunc(func(req *httpd.Request, resp *httpd.Response) {
		ws, err := Upgrade(req, resp)
		if err != nil {
			_ = resp.SendText(http.StatusBadRequest, err.Error())
			return
		}
		defer ws.Close()
		for {
			kind, msg, err := ws.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			if err := ws.Write(kind, msg); err != nil {
				done <- err
				return
			}
		}
	}))
	if err := srv.Start(context.Background()); err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return fmt.Sprintf("127.0.0.1:%d", srv.Port()), done
}

func dial(t *testing.T, addr string) *gws.Conn {
	t.Helper()
	dialer := gws.Dialer{HandshakeTimeout: 2 * time.Second}
	c, res, err := dialer.Dial("ws://"+addr+"/socket", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if res.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("handshake status = %d, want 101", res.StatusCode)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	return c
}

func TestConn_Echo(t *testing.T) {
	addr, _ := echoServer(t)
	c := dial(t, addr)

	tests := []struct {
		name string
		kind int
		data []byte
	}{
		{name: "text", kind: gws.TextMessage, data: []byte("hello flyweb")},
		{name: "binary", kind: gws.BinaryMessage, data: []byte{0, 1, 2, 0xFF}},
		{name: "empty", kind: gws.TextMessage, data: []byte{}},
		{name: "extended length", kind: gws.BinaryMessage, data: []byte(strings.Repeat("x", 1000))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.WriteMessage(tt.kind, tt.data); err != nil {
				t.Fatalf("WriteMessage() error = %v", err)
			}
			kind, got, err := c.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() error = %v", err)
			}
			if kind != tt.kind || string(got) != string(tt.data) {
				t.Errorf("echo = %d %q, want %d %q", kind, got, tt.kind, tt.data)
			}
		})
	}
}

func TestConn_PingAnsweredWithPong(t *testing.T) {
	addr, _ := echoServer(t)
	c := dial(t, addr)

	pongs := make(chan string, 1)
	c.SetPongHandler(func(data string) error {
		pongs <- data
		return nil
	})

	if err := c.WriteControl(gws.PingMessage, []byte("are you there"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl() error = %v", err)
	}
	if err := c.WriteMessage(gws.TextMessage, []byte("after ping")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	// The pong arrives before the echo and is handled inside ReadMessage.
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(msg) != "after ping" {
		t.Errorf("echo = %q", msg)
	}
	select {
	case got := <-pongs:
		if got != "are you there" {
			t.Errorf("pong payload = %q, want ping payload", got)
		}
	default:
		t.Error("no pong received")
	}
}

func TestConn_CloseFromClient(t *testing.T) {
	addr, done := echoServer(t)
	c := dial(t, addr)

	msg := gws.FormatCloseMessage(gws.CloseNormalClosure, "bye")
	if err := c.WriteMessage(gws.CloseMessage, msg); err != nil {
		t.Fatalf("WriteMessage(close) error = %v", err)
	}

	select {
	case err := <-done:
		if !goerrors.Is(err, ErrCloseReceived) {
			t.Errorf("server session ended with %v, want ErrCloseReceived", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see close")
	}

	// The server answers with its own Close frame.
	_, _, err := c.ReadMessage()
	if !gws.IsCloseError(err, gws.CloseNoStatusReceived) {
		t.Errorf("ReadMessage() after close = %v, want close error", err)
	}
}

func TestConn_ServerSend(t *testing.T) {
	cfg := httpd.DefaultConfig()
	cfg.Port = 0
	srv := httpd.NewServer(cfg, httpd.HandlerFunc(func(req *httpd.Request, resp *httpd.Response) {
		ws, err := Upgrade(req, resp)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.Send("greeting")
		_ = ws.SendBinary([]byte{7})
		_, _ = ws.ReadText()
	}))
	if err := srv.Start(context.Background()); err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	c := dial(t, fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	kind, msg, err := c.ReadMessage()
	if err != nil || kind != gws.TextMessage || string(msg) != "greeting" {
		t.Fatalf("first message = %d %q %v", kind, msg, err)
	}
	kind, msg, err = c.ReadMessage()
	if err != nil || kind != gws.BinaryMessage || len(msg) != 1 || msg[0] != 7 {
		t.Fatalf("second message = %d %v %v", kind, msg, err)
	}
}

func TestUpgrade_BadHandshake(t *testing.T) {
	addr, _ := echoServer(t)

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{name: "plain request", headers: nil},
		{name: "missing key", headers: map[string]string{"Upgrade": "websocket", "Connection": "Upgrade", "Sec-WebSocket-Version": "13"}},
		{name: "old version", headers: map[string]string{"Upgrade": "websocket", "Connection": "Upgrade", "Sec-WebSocket-Key": "dGhlIHNhbXBsZSBub25jZQ==", "Sec-WebSocket-Version": "8"}},
	}

	client := &http.Client{Timeout: 2 * time.Second}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/socket", nil)
			if err != nil {
				t.Fatalf("NewRequest() error = %v", err)
			}
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			res, err := client.Do(req)
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			defer res.Body.Close()
			body, _ := io.ReadAll(res.Body)
			if res.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "bad handshake") {
				t.Errorf("response = %d %q, want 400 bad handshake", res.StatusCode, body)
			}
		})
	}
}

// pipeConn feeds raw client bytes to a Conn and collects what it writes.
func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return newConn(server, nil), client
}

func TestConn_ReadMessageRejects(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{name: "fragment", frame: clientFrame(t, false, OpText, []byte("part"), key), want: ErrFragmented},
		{name: "continuation", frame: clientFrame(t, true, OpContinuation, []byte("x"), key), want: ErrFragmented},
		{name: "reserved opcode", frame: clientFrame(t, true, Opcode(0x3), nil, key), want: ErrUnknownOpcode},
		{name: "invalid utf8", frame: clientFrame(t, true, OpText, []byte{0xff, 0xfe}, key), want: ErrInvalidUTF8},
		{name: "unmasked", frame: []byte{0x81, 0x01, 'x'}, want: ErrUnmasked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, client := pipeConn(t)
			go func() { _, _ = client.Write(tt.frame) }()

			if _, _, err := ws.ReadMessage(); !goerrors.Is(err, tt.want) {
				t.Errorf("ReadMessage() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConn_WriteAfterClose(t *testing.T) {
	ws, client := pipeConn(t)
	go func() { _, _ = io.Copy(io.Discard, client) }()

	if err := ws.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := ws.Send("late"); !goerrors.Is(err, net.ErrClosed) {
		t.Errorf("Send() after Close error = %v, want net.ErrClosed", err)
	}
}
