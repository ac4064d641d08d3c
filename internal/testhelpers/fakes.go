// Package testhelpers provides fakes and helpers shared by the package tests:
// an in-memory persistence gateway, a recording connection handle, and
// WebSocket dial helpers.
package testhelpers

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Tyrowin/chatroom/internal/models"
	"github.com/Tyrowin/chatroom/internal/store"
)

// ErrInjected is returned by FakeStore calls configured to fail.
var ErrInjected = errors.New("injected failure")

// FakeStore is an in-memory stand-in for store.Store.
type FakeStore struct {
	mu          sync.Mutex
	nextUser    int64
	nextGroup   int64
	nextMessage int64
	users       map[int64]*models.User
	friends     []models.Friendship
	groups      map[int64]*models.Group
	members     map[int64][]int64
	messages    []models.Message
	statusLog   []StatusWrite

	FailAppend  bool
	FailStatus  bool
	FailMembers bool
}

// StatusWrite records one SetUserStatus call.
type StatusWrite struct {
	UserID int64
	Status models.Status
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		users:   make(map[int64]*models.User),
		groups:  make(map[int64]*models.Group),
		members: make(map[int64][]int64),
	}
}

// AddUser creates an offline user with a predictable email.
func (s *FakeStore) AddUser(name string) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUser++
	u := &models.User{ID: s.nextUser, Name: name, Email: name + "@example.com", Status: models.StatusOffline}
	s.users[u.ID] = u
	return u
}

// SetPasswordHash stores a hash for login tests.
func (s *FakeStore) SetPasswordHash(id int64, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.PasswordHash = hash
	}
}

// Befriend stores both directed rows with the given status.
func (s *FakeStore) Befriend(a, b int64, status models.FriendshipStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends = append(s.friends,
		models.Friendship{UserID: a, FriendID: b, Status: status},
		models.Friendship{UserID: b, FriendID: a, Status: status})
}

// AddGroup creates a group whose creator is the first member.
func (s *FakeStore) AddGroup(name string, creator int64, others ...int64) *models.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextGroup++
	g := &models.Group{ID: s.nextGroup, Name: name, CreatorID: creator}
	s.groups[g.ID] = g
	s.members[g.ID] = append([]int64{creator}, others...)
	return g
}

// RemoveMember drops userID from the group.
func (s *FakeStore) RemoveMember(groupID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.members[groupID]
	out := cur[:0]
	for _, id := range cur {
		if id != userID {
			out = append(out, id)
		}
	}
	s.members[groupID] = out
}

// DeleteGroup removes the group and its memberships.
func (s *FakeStore) DeleteGroup(groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
	delete(s.members, groupID)
}

// Messages returns a copy of all appended messages.
func (s *FakeStore) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// StatusWrites returns the SetUserStatus calls in order.
func (s *FakeStore) StatusWrites() []StatusWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StatusWrite(nil), s.statusLog...)
}

func (s *FakeStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *FakeStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *FakeStore) SetUserStatus(_ context.Context, id int64, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailStatus {
		return ErrInjected
	}
	if u, ok := s.users[id]; ok {
		u.Status = status
	}
	s.statusLog = append(s.statusLog, StatusWrite{UserID: id, Status: status})
	return nil
}

func (s *FakeStore) GetAcceptedFriendIDs(_ context.Context, id int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int64]struct{}{}
	var ids []int64
	for _, f := range s.friends {
		if f.Status != models.FriendshipAccepted {
			continue
		}
		var other int64
		switch id {
		case f.UserID:
			other = f.FriendID
		case f.FriendID:
			other = f.UserID
		default:
			continue
		}
		if _, ok := seen[other]; !ok {
			seen[other] = struct{}{}
			ids = append(ids, other)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *FakeStore) GetGroup(_ context.Context, id int64) (*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *FakeStore) GetGroupMemberIDs(_ context.Context, id int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailMembers {
		return nil, ErrInjected
	}
	return append([]int64(nil), s.members[id]...), nil
}

func (s *FakeStore) IsGroupMember(_ context.Context, groupID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.members[groupID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *FakeStore) AppendMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppend {
		return ErrInjected
	}
	s.nextMessage++
	m.ID = s.nextMessage
	m.Timestamp = time.Now().UTC()
	s.messages = append(s.messages, *m)
	return nil
}

// FakeHandle records every payload sent to it.
type FakeHandle struct {
	id string

	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode int
	reason    string

	// Fail makes Send report a dropped delivery.
	Fail bool
}

func NewFakeHandle(id string) *FakeHandle {
	return &FakeHandle{id: id}
}

func (h *FakeHandle) ID() string { return h.id }

func (h *FakeHandle) Send(payload []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Fail || h.closed {
		return false
	}
	h.frames = append(h.frames, append([]byte(nil), payload...))
	return true
}

func (h *FakeHandle) Close(code int, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.closeCode = code
	h.reason = reason
}

// Closed reports whether Close was called and with which code.
func (h *FakeHandle) Closed() (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed, h.closeCode
}

// Frames decodes every received payload as a JSON object.
func (h *FakeHandle) Frames() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]map[string]any, 0, len(h.frames))
	for _, raw := range h.frames {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// OfType returns the received frames whose type field equals typ.
func (h *FakeHandle) OfType(typ string) []map[string]any {
	var out []map[string]any
	for _, f := range h.Frames() {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

// Reset forgets received frames.
func (h *FakeHandle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = nil
}
