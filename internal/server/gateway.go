package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatroom/internal/chat"
	"github.com/Tyrowin/chatroom/internal/metrics"
	"github.com/Tyrowin/chatroom/internal/models"
	"github.com/Tyrowin/chatroom/internal/protocol"
	"github.com/Tyrowin/chatroom/internal/registry"
	"github.com/Tyrowin/chatroom/internal/sessions"
)

// SessionCookie is the cookie holding the session token. Clients that
// cannot send cookies may pass the token as the "token" query parameter.
const SessionCookie = "session_id"

// Close reasons sent with policy-violation close frames.
const (
	ReasonNotAuthenticated = "Not authenticated"
	ReasonUserNotFound     = "User not found"
)

// Error frame texts.
const (
	MsgUnknownType   = "Unknown message type"
	MsgInvalidFormat = "Invalid message format"
	MsgRateLimited   = "Rate limit exceeded"
)

const reasonShuttingDown = "server shutting down"

// ErrNotAuthenticated is logged when a handshake carries no usable session.
var ErrNotAuthenticated = errors.New("not authenticated")

// UserStore resolves the user behind a session.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

// Presence is the part of the presence tracker the gateway drives.
type Presence interface {
	MarkOnline(ctx context.Context, userID int64) error
	MarkOffline(ctx context.Context, userID int64) error
	SyncFriends(ctx context.Context, userID int64) int
}

// MessageRouter handles chat message frames.
type MessageRouter interface {
	Route(ctx context.Context, sender models.User, in protocol.Inbound) (chat.Result, error)
}

// Settings are the per-connection limits.
type Settings struct {
	MaxMessageSize int64
	RateBurst      int
	RateInterval   time.Duration
	SendBufferSize int
}

func (s Settings) withDefaults() Settings {
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = 64 * 1024
	}
	if s.RateBurst <= 0 {
		s.RateBurst = 20
	}
	if s.RateInterval <= 0 {
		s.RateInterval = time.Second
	}
	if s.SendBufferSize <= 0 {
		s.SendBufferSize = 256
	}
	return s
}

// Deps are the collaborators of a Gateway.
type Deps struct {
	Sessions sessions.Directory
	Users    UserStore
	Registry *registry.Registry
	Presence Presence
	Router   MessageRouter
	Origins  *OriginPolicy
	Metrics  *metrics.Recorder
	Logger   *zap.Logger
}

// Gateway accepts WebSocket connections and runs each one through
// Connecting, Authenticated, Serving and Closed.
type Gateway struct {
	deps     Deps
	settings Settings
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

func NewGateway(deps Deps, settings Settings) *Gateway {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Origins == nil {
		deps.Origins = NewOriginPolicy(nil, deps.Logger)
	}
	g := &Gateway{
		deps:     deps,
		settings: settings.withDefaults(),
		log:      deps.Logger,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     deps.Origins.CheckOrigin,
	}
	return g
}

// Registry returns the registry connections are installed in.
func (g *Gateway) Registry() *registry.Registry {
	return g.deps.Registry
}

// ServeHTTP upgrades the request and authenticates the socket. Failures
// after the upgrade close it with a policy-violation frame.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.shutdown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Info("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	ctx := context.Background()
	s := &session{gw: g}
	s.state.store(StateConnecting)
	user, reason, err := g.authenticate(ctx, r)
	if err != nil {
		from := s.state.load()
		s.state.store(StateClosed)
		g.log.Info("rejecting websocket connection",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Stringer("from_state", from),
			zap.String("reason", reason),
			zap.Error(err))
		rejectSocket(ws, websocket.ClosePolicyViolation, reason)
		return
	}

	s.user = *user
	s.conn = newConn(ws, r.RemoteAddr, g.settings.SendBufferSize, g.log.With(zap.Int64("user_id", user.ID)))
	s.limiter = newTokenBucket(g.settings.RateBurst, g.settings.RateInterval)
	s.state.store(StateAuthenticated)

	if !g.track() {
		s.state.store(StateClosed)
		s.conn.log.Info("rejecting websocket connection during shutdown")
		rejectSocket(ws, registry.CloseGoingAway, reasonShuttingDown)
		return
	}
	go func() {
		defer g.wg.Done()
		s.conn.writePump()
	}()
	go func() {
		defer g.wg.Done()
		s.run(ctx)
	}()
}

// track adds a connection's two goroutines to the wait group. It fails once
// Shutdown has started so that wg.Add never races wg.Wait.
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown.Load() {
		return false
	}
	g.wg.Add(2)
	return true
}

func (g *Gateway) authenticate(ctx context.Context, r *http.Request) (*models.User, string, error) {
	token := sessionToken(r)
	if token == "" {
		return nil, ReasonNotAuthenticated, ErrNotAuthenticated
	}
	userID, err := g.deps.Sessions.Resolve(ctx, token)
	if err != nil {
		return nil, ReasonNotAuthenticated, errors.Wrap(ErrNotAuthenticated, err.Error())
	}
	user, err := g.deps.Users.GetUser(ctx, userID)
	if err != nil {
		return nil, ReasonUserNotFound, errors.Wrapf(err, "load user %d", userID)
	}
	return user, "", nil
}

func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

func rejectSocket(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.Close()
}

// Shutdown stops accepting connections, closes every registered one with
// 1001, and waits for connection goroutines to finish or timeout to pass.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.mu.Lock()
	g.shutdown.Store(true)
	g.mu.Unlock()
	n := g.deps.Registry.CloseAll(registry.CloseGoingAway, reasonShuttingDown)
	g.log.Info("gateway shutting down", zap.Int("connections", n))

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info("gateway shutdown completed")
		return nil
	case <-time.After(timeout):
		g.log.Warn("gateway shutdown timed out; some connections may still be closing")
		return context.DeadlineExceeded
	}
}

// session drives one authenticated connection.
type session struct {
	gw       *Gateway
	conn     *Conn
	user     models.User
	limiter  *tokenBucket
	state    stateBox
	teardown sync.Once
}

func (s *session) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.conn.log.Error("recovered from panic in connection", zap.Any("panic", r))
		}
		s.close(ctx)
	}()

	g := s.gw
	if evicted := g.deps.Registry.Register(s.user.ID, s.conn); evicted != nil {
		s.conn.log.Info("replaced previous connection", zap.String("old_conn_id", evicted.ID()))
	}
	g.deps.Metrics.ConnectionOpened()
	if g.shutdown.Load() {
		// CloseAll may have taken its snapshot before Register.
		s.conn.Close(registry.CloseGoingAway, reasonShuttingDown)
		return
	}

	if err := g.deps.Presence.MarkOnline(ctx, s.user.ID); err != nil {
		s.conn.log.Warn("mark online failed", zap.Error(err))
	}
	g.deps.Presence.SyncFriends(ctx, s.user.ID)
	s.reply(protocol.NewConnected(s.user.ID))

	s.state.store(StateServing)
	s.conn.log.Info("connection serving")
	s.readLoop(ctx)
}

func (s *session) readLoop(ctx context.Context) {
	limit := s.gw.settings.MaxMessageSize
	s.conn.setupRead(limit)

	for {
		_, raw, err := s.conn.ws.ReadMessage()
		if err != nil {
			s.conn.handleReadError(err, limit)
			return
		}
		if !s.limiter.allow() {
			s.conn.log.Debug("rate limit exceeded; dropping frame")
			s.reply(protocol.NewError(MsgRateLimited))
			continue
		}
		s.handleFrame(ctx, raw)
	}
}

func (s *session) handleFrame(ctx context.Context, raw []byte) {
	in, err := protocol.Decode(raw)
	if err != nil {
		s.conn.log.Debug("malformed frame", zap.Error(err))
		s.reply(protocol.NewError(MsgInvalidFormat))
		return
	}

	switch in.Type {
	case protocol.TypeMessage:
		if _, err := s.gw.deps.Router.Route(ctx, s.user, in); err != nil {
			s.reply(protocol.NewError(err.Error()))
		}
	case protocol.TypePing:
		s.reply(protocol.NewPong())
	default:
		s.reply(protocol.NewError(MsgUnknownType))
	}
}

func (s *session) reply(v any) {
	payload, err := protocol.Encode(v)
	if err != nil {
		s.conn.log.Error("encode reply", zap.Error(err))
		return
	}
	s.conn.Send(payload)
}

// close runs the teardown exactly once. The offline transition is announced
// only when this connection was still the registered one.
func (s *session) close(ctx context.Context) {
	s.teardown.Do(func() {
		from := s.state.load()
		s.state.store(StateClosed)

		g := s.gw
		current := g.deps.Registry.Unregister(s.user.ID, s.conn)
		g.deps.Metrics.ConnectionClosed()
		if current {
			if err := g.deps.Presence.MarkOffline(ctx, s.user.ID); err != nil {
				s.conn.log.Warn("mark offline failed", zap.Error(err))
			}
		}
		s.conn.Close(websocket.CloseNormalClosure, "")
		s.conn.release()
		s.conn.log.Info("connection closed",
			zap.Stringer("from_state", from),
			zap.Bool("was_current", current))
	})
}
