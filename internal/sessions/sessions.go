// Package sessions resolves session tokens to user ids. The directory is
// shared with the login endpoints; the WebSocket gateway only reads it.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrUnknownSession means the token is empty, unknown, or expired.
var ErrUnknownSession = errors.New("unknown session")

// DefaultTTL is how long a session lives when no TTL is configured.
const DefaultTTL = 7 * 24 * time.Hour

// Directory maps opaque session tokens to user ids.
type Directory interface {
	Resolve(ctx context.Context, token string) (int64, error)
	Create(ctx context.Context, userID int64) (string, error)
	Delete(ctx context.Context, token string) error
}

func newToken() string {
	return uuid.NewString()
}

type memoryEntry struct {
	userID  int64
	expires time.Time
}

// MemoryDirectory keeps sessions in process memory. Suitable for a single
// instance and for tests.
type MemoryDirectory struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryDirectory creates an empty directory. A non-positive ttl selects
// DefaultTTL.
func NewMemoryDirectory(ttl time.Duration) *MemoryDirectory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryDirectory{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (d *MemoryDirectory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

func (d *MemoryDirectory) Resolve(_ context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrUnknownSession
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.sessions[token]
	if !ok {
		return 0, ErrUnknownSession
	}
	if !d.now().Before(e.expires) {
		delete(d.sessions, token)
		return 0, ErrUnknownSession
	}
	return e.userID, nil
}

func (d *MemoryDirectory) Create(_ context.Context, userID int64) (string, error) {
	token := newToken()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[token] = memoryEntry{userID: userID, expires: d.now().Add(d.ttl)}
	return token, nil
}

func (d *MemoryDirectory) Delete(_ context.Context, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, token)
	return nil
}
