package server_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatroom/internal/chat"
	"github.com/Tyrowin/chatroom/internal/models"
	"github.com/Tyrowin/chatroom/internal/presence"
	"github.com/Tyrowin/chatroom/internal/protocol"
	"github.com/Tyrowin/chatroom/internal/registry"
	"github.com/Tyrowin/chatroom/internal/server"
	"github.com/Tyrowin/chatroom/internal/sessions"
	"github.com/Tyrowin/chatroom/internal/testhelpers"
)

const (
	testOrigin = "http://localhost:3000"
	wait       = 2 * time.Second
	quiet      = 300 * time.Millisecond
)

type harness struct {
	t        *testing.T
	store    *testhelpers.FakeStore
	sessions *sessions.MemoryDirectory
	gateway  *server.Gateway
	srv      *httptest.Server
	wsURL    string
}

func newHarness(t *testing.T, settings server.Settings) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := testhelpers.NewFakeStore()
	reg := registry.New(nil)
	dir := sessions.NewMemoryDirectory(time.Hour)
	gw := server.NewGateway(server.Deps{
		Sessions: dir,
		Users:    st,
		Registry: reg,
		Presence: presence.New(st, reg, nil),
		Router:   chat.New(st, reg, nil),
		Origins:  server.NewOriginPolicy([]string{testOrigin}, nil),
	}, settings)

	srv := httptest.NewServer(server.NewEngine(gw, server.EngineOptions{}))
	t.Cleanup(srv.Close)

	return &harness{
		t:        t,
		store:    st,
		sessions: dir,
		gateway:  gw,
		srv:      srv,
		wsURL:    testhelpers.WebSocketURL(srv.URL, "/ws/chat"),
	}
}

func (h *harness) token(userID int64) string {
	h.t.Helper()
	token, err := h.sessions.Create(context.Background(), userID)
	if err != nil {
		h.t.Fatalf("Failed to create session: %v", err)
	}
	return token
}

// connect dials as user and waits for the connected frame.
func (h *harness) connect(user *models.User) *testhelpers.Client {
	h.t.Helper()
	c := testhelpers.DialClient(h.t, h.wsURL, testOrigin, server.SessionCookie, h.token(user.ID))
	frame := c.Until(protocol.TypeConnected, wait)
	if id, _ := frame["user_id"].(float64); int64(id) != user.ID {
		h.t.Fatalf("Expected connected frame for user %d, got %v", user.ID, frame)
	}
	return c
}

func (h *harness) waitFor(cond func() bool, what string) {
	h.t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("Timed out waiting for %s", what)
}

func (h *harness) offlineWrites(userID int64) int {
	n := 0
	for _, w := range h.store.StatusWrites() {
		if w.UserID == userID && w.Status == models.StatusOffline {
			n++
		}
	}
	return n
}

func closeNormally(t *testing.T, c *testhelpers.Client) {
	t.Helper()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Failed to send close frame: %v", err)
	}
	_ = c.Conn.Close()
}

// TestRejectsUnauthenticatedSockets checks the policy-violation close for
// every way a handshake can fail to identify a user.
func TestRejectsUnauthenticatedSockets(t *testing.T) {
	h := newHarness(t, server.Settings{})

	t.Run("no session", func(t *testing.T) {
		c := testhelpers.DialClient(t, h.wsURL, testOrigin, "", "")
		ce := c.ExpectClose(wait)
		if ce.Code != websocket.ClosePolicyViolation || ce.Text != server.ReasonNotAuthenticated {
			t.Errorf("Expected 1008 %q, got %d %q", server.ReasonNotAuthenticated, ce.Code, ce.Text)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		c := testhelpers.DialClient(t, h.wsURL, testOrigin, server.SessionCookie, "bogus")
		ce := c.ExpectClose(wait)
		if ce.Code != websocket.ClosePolicyViolation || ce.Text != server.ReasonNotAuthenticated {
			t.Errorf("Expected 1008 %q, got %d %q", server.ReasonNotAuthenticated, ce.Code, ce.Text)
		}
	})

	t.Run("deleted user", func(t *testing.T) {
		c := testhelpers.DialClient(t, h.wsURL, testOrigin, server.SessionCookie, h.token(999))
		ce := c.ExpectClose(wait)
		if ce.Code != websocket.ClosePolicyViolation || ce.Text != server.ReasonUserNotFound {
			t.Errorf("Expected 1008 %q, got %d %q", server.ReasonUserNotFound, ce.Code, ce.Text)
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		alice := h.store.AddUser("alice")
		_, resp, err := testhelpers.DialWebSocket(h.wsURL, "http://evil.test", server.SessionCookie, h.token(alice.ID))
		if err == nil {
			t.Fatal("Expected handshake to fail for disallowed origin")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("Expected 403 response, got %v", resp)
		}
	})
}

// TestQueryTokenAuthenticates accepts the session token as a query parameter.
func TestQueryTokenAuthenticates(t *testing.T) {
	h := newHarness(t, server.Settings{})
	alice := h.store.AddUser("alice")

	c := testhelpers.DialClient(t, h.wsURL+"?token="+h.token(alice.ID), testOrigin, "", "")
	c.Until(protocol.TypeConnected, wait)
}

// TestControlFrames covers ping, unknown types, malformed frames and
// validation errors on an open connection.
func TestControlFrames(t *testing.T) {
	h := newHarness(t, server.Settings{})
	alice := h.store.AddUser("alice")
	c := h.connect(alice)

	c.Send(map[string]string{"type": "ping"})
	c.Until(protocol.TypePong, wait)

	c.Send(map[string]string{"type": "typing"})
	if f := c.Until(protocol.TypeError, wait); f["message"] != server.MsgUnknownType {
		t.Errorf("Expected %q, got %v", server.MsgUnknownType, f["message"])
	}

	if err := c.Conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
	if f := c.Until(protocol.TypeError, wait); f["message"] != server.MsgInvalidFormat {
		t.Errorf("Expected %q, got %v", server.MsgInvalidFormat, f["message"])
	}

	c.Send(map[string]string{"type": "message", "text": "hello"})
	if f := c.Until(protocol.TypeError, wait); f["message"] != chat.MsgNoTarget {
		t.Errorf("Expected %q, got %v", chat.MsgNoTarget, f["message"])
	}

	c.Send(map[string]string{"type": "ping"})
	c.Until(protocol.TypePong, wait)
}

// TestRateLimit drops frames beyond the burst with an error reply.
func TestRateLimit(t *testing.T) {
	h := newHarness(t, server.Settings{RateBurst: 2, RateInterval: time.Hour})
	alice := h.store.AddUser("alice")
	c := h.connect(alice)

	for i := 0; i < 3; i++ {
		c.Send(map[string]string{"type": "ping"})
	}
	frames := c.Collect(quiet)
	if n := testhelpers.CountType(frames, protocol.TypePong); n != 2 {
		t.Errorf("Expected 2 pongs, got %d", n)
	}
	var limited int
	for _, f := range frames {
		if f["type"] == protocol.TypeError && f["message"] == server.MsgRateLimited {
			limited++
		}
	}
	if limited != 1 {
		t.Errorf("Expected one rate limit error, got %d", limited)
	}
}

// TestPersonalMessageDelivery sends a message between two connected users.
func TestPersonalMessageDelivery(t *testing.T) {
	h := newHarness(t, server.Settings{})
	alice := h.store.AddUser("alice")
	bob := h.store.AddUser("bob")
	aliceConn := h.connect(alice)
	bobConn := h.connect(bob)

	aliceConn.Send(map[string]any{"type": "message", "recipient_id": bob.ID, "text": "hi bob"})

	got := bobConn.Until(protocol.TypeMessage, wait)
	if got["text"] != "hi bob" {
		t.Errorf("Expected bob to receive the text, got %v", got)
	}
	note := bobConn.Until(protocol.TypeMessageNotification, wait)
	if note["sender_name"] != "alice" {
		t.Errorf("Expected notification from alice, got %v", note)
	}

	echo := aliceConn.Until(protocol.TypeMessage, wait)
	if echo["id"] != got["id"] {
		t.Errorf("Expected echo to carry the persisted id %v, got %v", got["id"], echo["id"])
	}
	if stored := h.store.Messages(); len(stored) != 1 {
		t.Errorf("Expected one persisted message, got %d", len(stored))
	}
}

// TestEvictionDoesNotAnnounceOffline replaces a connection and checks that
// nobody is told the user went offline.
func TestEvictionDoesNotAnnounceOffline(t *testing.T) {
	h := newHarness(t, server.Settings{})
	alice := h.store.AddUser("alice")
	bob := h.store.AddUser("bob")
	bobConn := h.connect(bob)

	first := h.connect(alice)
	second := h.connect(alice)

	ce := first.ExpectClose(wait)
	if ce.Code != websocket.CloseNormalClosure || ce.Text != "replaced by a new connection" {
		t.Errorf("Expected eviction close, got %d %q", ce.Code, ce.Text)
	}

	// Both logins are announced; a logout never is.
	frames := bobConn.Collect(quiet)
	if n := testhelpers.CountType(frames, protocol.TypeUserLogin); n != 2 {
		t.Errorf("Expected two login notices, got %d", n)
	}
	if n := testhelpers.CountType(frames, protocol.TypeUserLogout); n != 0 {
		t.Errorf("Expected no logout notice for an evicted connection, got %d", n)
	}
	if n := h.offlineWrites(alice.ID); n != 0 {
		t.Errorf("Expected no persisted offline status, got %d", n)
	}

	second.Send(map[string]string{"type": "ping"})
	second.Until(protocol.TypePong, wait)
	if n := h.gateway.Registry().Len(); n != 2 {
		t.Errorf("Expected two registered users, got %d", n)
	}
}

// TestDisconnectAnnouncesOfflineOnce disconnects the same user repeatedly and
// checks each disconnect produces exactly one logout notice and one offline
// write.
func TestDisconnectAnnouncesOfflineOnce(t *testing.T) {
	h := newHarness(t, server.Settings{})
	alice := h.store.AddUser("alice")
	bob := h.store.AddUser("bob")
	bobConn := h.connect(bob)

	for round := 1; round <= 2; round++ {
		aliceConn := h.connect(alice)
		bobConn.Until(protocol.TypeUserLogin, wait)
		if n := testhelpers.CountType(bobConn.Collect(quiet), protocol.TypeUserLogout); n != 0 {
			t.Fatalf("Round %d: expected no logout before disconnect, got %d", round, n)
		}

		closeNormally(t, aliceConn)
		h.waitFor(func() bool { return h.gateway.Registry().Len() == 1 }, "alice to be unregistered")

		logout := bobConn.Until(protocol.TypeUserLogout, wait)
		if id, _ := logout["user_id"].(float64); int64(id) != alice.ID {
			t.Errorf("Round %d: expected logout for alice, got %v", round, logout)
		}
		if n := testhelpers.CountType(bobConn.Collect(quiet), protocol.TypeUserLogout); n != 0 {
			t.Errorf("Round %d: expected exactly one logout notice, got %d extra", round, n)
		}
		if n := h.offlineWrites(alice.ID); n != round {
			t.Errorf("Round %d: expected %d persisted offline statuses, got %d", round, round, n)
		}
	}
}

// TestGatewayShutdown closes live connections with 1001 and refuses new ones.
func TestGatewayShutdown(t *testing.T) {
	h := newHarness(t, server.Settings{})
	alice := h.store.AddUser("alice")
	c := h.connect(alice)

	errCh := make(chan error, 1)
	go func() { errCh <- h.gateway.Shutdown(5 * time.Second) }()

	ce := c.ExpectClose(wait)
	if ce.Code != websocket.CloseGoingAway {
		t.Errorf("Expected 1001 on shutdown, got %d", ce.Code)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}

	_, resp, err := testhelpers.DialWebSocket(h.wsURL, testOrigin, server.SessionCookie, h.token(alice.ID))
	if err == nil {
		t.Fatal("Expected dial to fail after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after shutdown, got %v", resp)
	}
}

// TestShutdownDuringUpgrades keeps dialing while Shutdown runs. Shutdown must
// finish cleanly and leave no connection registered.
func TestShutdownDuringUpgrades(t *testing.T) {
	h := newHarness(t, server.Settings{})
	users := make([]*models.User, 8)
	tokens := make([]string, len(users))
	for i := range users {
		users[i] = h.store.AddUser(fmt.Sprintf("user%d", i))
		tokens[i] = h.token(users[i].ID)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := range users {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				conn, _, err := testhelpers.DialWebSocket(h.wsURL, testOrigin, server.SessionCookie, token)
				if err == nil {
					_ = conn.Close()
				}
			}
		}(tokens[i])
	}

	time.Sleep(50 * time.Millisecond)
	err := h.gateway.Shutdown(5 * time.Second)
	close(stop)
	wg.Wait()

	if err != nil {
		t.Fatalf("Expected clean shutdown, got %v", err)
	}
	if n := h.gateway.Registry().Len(); n != 0 {
		t.Errorf("Expected no registered connections after shutdown, got %d", n)
	}
}

// TestHTTPRoutes checks health, method handling and the unmounted internal
// hooks.
func TestHTTPRoutes(t *testing.T) {
	h := newHarness(t, server.Settings{})

	resp, err := http.Get(h.srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("Failed to get health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from health, got %d", resp.StatusCode)
	}

	resp, err = http.Post(h.srv.URL+"/api/health", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("Failed to post health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for POST, got %d", resp.StatusCode)
	}

	resp, err = http.Get(h.srv.URL + "/internal/events/friend")
	if err != nil {
		t.Fatalf("Failed to get events: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected internal hooks to be unmounted without a secret, got %d", resp.StatusCode)
	}
}
