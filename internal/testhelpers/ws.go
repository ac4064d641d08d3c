package testhelpers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WebSocketURL turns an httptest server URL into a ws:// URL for path.
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// DialWebSocket connects to url with the given Origin header and session
// cookie. Empty values are omitted.
func DialWebSocket(url, origin, cookieName, token string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	if token != "" {
		headers.Set("Cookie", (&http.Cookie{Name: cookieName, Value: token}).String())
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustDial is DialWebSocket that fails the test on error and closes the
// connection on cleanup.
func MustDial(t *testing.T, url, origin, cookieName, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := DialWebSocket(url, origin, cookieName, token)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Client reads a WebSocket connection from a single background goroutine.
// A gorilla connection is unusable after a read deadline expires, so every
// wait happens on the frame channel instead of on the socket.
type Client struct {
	t      *testing.T
	Conn   *websocket.Conn
	frames chan map[string]any
	done   chan struct{}
	err    error
}

// NewClient starts reading conn. The read error that ends the loop is kept
// for ExpectClose.
func NewClient(t *testing.T, conn *websocket.Conn) *Client {
	c := &Client{
		t:      t,
		Conn:   conn,
		frames: make(chan map[string]any, 1024),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// DialClient dials and wraps the connection in a Client.
func DialClient(t *testing.T, url, origin, cookieName, token string) *Client {
	t.Helper()
	return NewClient(t, MustDial(t, url, origin, cookieName, token))
}

func (c *Client) readLoop() {
	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			c.err = err
			close(c.done)
			return
		}
		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			frame = map[string]any{"type": "", "raw": string(raw)}
		}
		c.frames <- frame
	}
}

// Send writes v as one text frame.
func (c *Client) Send(v any) {
	c.t.Helper()
	SendJSON(c.t, c.Conn, v)
}

// Next returns the next frame, or false when none arrives within timeout
// or the connection has ended.
func (c *Client) Next(timeout time.Duration) (map[string]any, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-c.frames:
		return f, true
	case <-c.done:
		select {
		case f := <-c.frames:
			return f, true
		default:
			return nil, false
		}
	case <-timer.C:
		return nil, false
	}
}

// Until returns the first frame of type typ, skipping others.
func (c *Client) Until(typ string, timeout time.Duration) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("Timed out waiting for %q frame", typ)
		}
		f, ok := c.Next(remaining)
		if !ok {
			c.t.Fatalf("No %q frame before timeout or close (read error: %v)", typ, c.readErr())
		}
		if f["type"] == typ {
			return f
		}
	}
}

// Collect returns every frame received until the connection stays quiet
// for quiet. The client stays usable afterwards.
func (c *Client) Collect(quiet time.Duration) []map[string]any {
	var frames []map[string]any
	for {
		f, ok := c.Next(quiet)
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

// ExpectClose waits for the peer's close frame, skipping data frames.
func (c *Client) ExpectClose(timeout time.Duration) *websocket.CloseError {
	c.t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		c.t.Fatalf("Timed out waiting for close frame")
	}
	var ce *websocket.CloseError
	if !errors.As(c.err, &ce) {
		c.t.Fatalf("Expected close frame, got %v", c.err)
	}
	return ce
}

func (c *Client) readErr() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// SendJSON writes v as one text frame.
func SendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
}

// CountType returns how many frames have type typ.
func CountType(frames []map[string]any, typ string) int {
	n := 0
	for _, f := range frames {
		if f["type"] == typ {
			n++
		}
	}
	return n
}
