// Package presence persists online/offline transitions and broadcasts them
// to connected users through the registry.
package presence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatroom/internal/metrics"
	"github.com/Tyrowin/chatroom/internal/models"
	"github.com/Tyrowin/chatroom/internal/protocol"
	"github.com/Tyrowin/chatroom/internal/registry"
)

// Scope selects the audience of a status broadcast.
type Scope int

const (
	ScopeAllUsers Scope = iota
	ScopeFriendsOnly
)

func (s Scope) String() string {
	if s == ScopeFriendsOnly {
		return "friends_only"
	}
	return "all_users"
}

// Store is the part of the persistence gateway the tracker needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetAcceptedFriendIDs(ctx context.Context, userID int64) ([]int64, error)
	SetUserStatus(ctx context.Context, userID int64, status models.Status) error
}

// Tracker owns presence transitions. Status is always persisted before it is
// broadcast.
type Tracker struct {
	store   Store
	reg     *registry.Registry
	log     *zap.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMetrics records every send attempt.
func WithMetrics(m *metrics.Recorder) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(store Store, reg *registry.Registry, log *zap.Logger, opts ...Option) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{store: store, reg: reg, log: log, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// MarkOnline persists online, then announces it to every other connected
// user with a status update and a login notice.
func (t *Tracker) MarkOnline(ctx context.Context, userID int64) error {
	return t.transition(ctx, userID, models.StatusOnline)
}

// MarkOffline persists offline, then announces it to every other connected
// user with a status update and a logout notice.
func (t *Tracker) MarkOffline(ctx context.Context, userID int64) error {
	return t.transition(ctx, userID, models.StatusOffline)
}

// Login is the trigger used by the login endpoint.
func (t *Tracker) Login(ctx context.Context, userID int64) error {
	return t.MarkOnline(ctx, userID)
}

// Logout removes and closes the user's live connection, then marks the user
// offline. The closed connection finds itself unregistered on teardown and
// does not announce the transition again.
func (t *Tracker) Logout(ctx context.Context, userID int64) error {
	if h, ok := t.reg.Remove(userID); ok {
		t.log.Info("closing connection on logout",
			zap.Int64("user_id", userID),
			zap.String("conn_id", h.ID()))
		h.Close(registry.CloseNormal, "logged out")
	}
	return t.MarkOffline(ctx, userID)
}

func (t *Tracker) transition(ctx context.Context, userID int64, status models.Status) error {
	user, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return errors.Wrapf(err, "load user %d", userID)
	}
	if err := t.store.SetUserStatus(ctx, userID, status); err != nil {
		return errors.Wrapf(err, "persist %s for user %d", status, userID)
	}

	at := t.now().UTC()
	delivered := t.broadcastStatus(ctx, user, status, ScopeAllUsers, &at)

	var notice protocol.UserNotice
	if status == models.StatusOnline {
		notice = protocol.NewUserLogin(user.ID, user.Name, at)
	} else {
		notice = protocol.NewUserLogout(user.ID, user.Name, at)
	}
	noticed := t.sendAll(user.ID, notice)

	t.log.Info("presence changed",
		zap.Int64("user_id", userID),
		zap.String("status", string(status)),
		zap.Int("status_deliveries", delivered),
		zap.Int("notice_deliveries", noticed))
	return nil
}

// BroadcastStatus sends a user_status_update for userID to the chosen
// audience and returns how many sends were delivered.
func (t *Tracker) BroadcastStatus(ctx context.Context, userID int64, status models.Status, scope Scope) int {
	user, err := t.store.GetUser(ctx, userID)
	if err != nil {
		t.log.Warn("status broadcast skipped", zap.Int64("user_id", userID), zap.Error(err))
		return 0
	}
	at := t.now().UTC()
	return t.broadcastStatus(ctx, user, status, scope, &at)
}

func (t *Tracker) broadcastStatus(ctx context.Context, user *models.User, status models.Status, scope Scope, at *time.Time) int {
	update := protocol.NewUserStatusUpdate(user.ID, user.Name, status, at)
	if scope == ScopeAllUsers {
		return t.sendAll(user.ID, update)
	}

	friends, err := t.store.GetAcceptedFriendIDs(ctx, user.ID)
	if err != nil {
		t.log.Warn("friend lookup failed", zap.Int64("user_id", user.ID), zap.Error(err))
		return 0
	}
	payload, ok := t.encode(update)
	if !ok {
		return 0
	}
	delivered := 0
	for _, id := range friends {
		if id == user.ID {
			continue
		}
		if t.send(id, payload) {
			delivered++
		}
	}
	return delivered
}

// SyncFriends sends the current status of each accepted friend to userID
// only. It returns the number of updates delivered.
func (t *Tracker) SyncFriends(ctx context.Context, userID int64) int {
	friends, err := t.store.GetAcceptedFriendIDs(ctx, userID)
	if err != nil {
		t.log.Warn("friend sync skipped", zap.Int64("user_id", userID), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, id := range friends {
		friend, err := t.store.GetUser(ctx, id)
		if err != nil {
			t.log.Debug("friend not found during sync", zap.Int64("friend_id", id), zap.Error(err))
			continue
		}
		status := friend.Status
		if status == "" {
			status = models.StatusOffline
		}
		payload, ok := t.encode(protocol.NewUserStatusUpdate(friend.ID, friend.Name, status, nil))
		if !ok {
			continue
		}
		if t.send(userID, payload) {
			delivered++
		}
	}
	return delivered
}

// sendAll delivers v to every connected user except exclude.
func (t *Tracker) sendAll(exclude int64, v any) int {
	payload, ok := t.encode(v)
	if !ok {
		return 0
	}
	delivered := 0
	for _, id := range t.reg.UserIDs() {
		if id == exclude {
			continue
		}
		if t.send(id, payload) {
			delivered++
		}
	}
	return delivered
}

func (t *Tracker) send(userID int64, payload []byte) bool {
	ok := t.reg.Send(userID, payload)
	t.metrics.Delivery(ok)
	return ok
}

func (t *Tracker) encode(v any) ([]byte, bool) {
	payload, err := protocol.Encode(v)
	if err != nil {
		t.log.Error("encode presence frame", zap.Error(err))
		return nil, false
	}
	return payload, true
}
