package presence_test

import (
	"context"
	"testing"
	"time"

	"github.com/Tyrowin/chatroom/internal/models"
	"github.com/Tyrowin/chatroom/internal/presence"
	"github.com/Tyrowin/chatroom/internal/protocol"
	"github.com/Tyrowin/chatroom/internal/registry"
	"github.com/Tyrowin/chatroom/internal/testhelpers"
)

type fixture struct {
	store   *testhelpers.FakeStore
	reg     *registry.Registry
	tracker *presence.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testhelpers.NewFakeStore()
	reg := registry.New(nil)
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &fixture{
		store:   st,
		reg:     reg,
		tracker: presence.New(st, reg, nil, presence.WithClock(func() time.Time { return fixed })),
	}
}

func (f *fixture) connect(t *testing.T, u *models.User) *testhelpers.FakeHandle {
	t.Helper()
	h := testhelpers.NewFakeHandle(u.Name)
	f.reg.Register(u.ID, h)
	return h
}

// TestMarkOnlinePersistsThenBroadcasts checks the online transition.
func TestMarkOnlinePersistsThenBroadcasts(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("alice")
	bob := f.store.AddUser("bob")
	carol := f.store.AddUser("carol")
	aliceConn := f.connect(t, alice)
	bobConn := f.connect(t, bob)
	carolConn := f.connect(t, carol)

	if err := f.tracker.MarkOnline(context.Background(), alice.ID); err != nil {
		t.Fatalf("MarkOnline failed: %v", err)
	}

	writes := f.store.StatusWrites()
	if len(writes) != 1 || writes[0].Status != models.StatusOnline {
		t.Fatalf("Expected one online status write, got %+v", writes)
	}

	for name, h := range map[string]*testhelpers.FakeHandle{"bob": bobConn, "carol": carolConn} {
		updates := h.OfType(protocol.TypeUserStatusUpdate)
		if len(updates) != 1 || updates[0]["status"] != "online" || updates[0]["user_name"] != "alice" {
			t.Errorf("Expected %s to get one online update for alice, got %v", name, updates)
		}
		logins := h.OfType(protocol.TypeUserLogin)
		if len(logins) != 1 || logins[0]["message"] != "alice logged in" {
			t.Errorf("Expected %s to get one login notice, got %v", name, logins)
		}
	}
	if n := len(aliceConn.Frames()); n != 0 {
		t.Errorf("Expected subject to receive nothing, got %d frames", n)
	}
}

// TestMarkOfflineAnnouncesLogout covers the offline transition.
func TestMarkOfflineAnnouncesLogout(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("alice")
	bob := f.store.AddUser("bob")
	bobConn := f.connect(t, bob)

	if err := f.tracker.MarkOffline(context.Background(), alice.ID); err != nil {
		t.Fatalf("MarkOffline failed: %v", err)
	}

	updates := bobConn.OfType(protocol.TypeUserStatusUpdate)
	if len(updates) != 1 || updates[0]["status"] != "offline" {
		t.Fatalf("Expected one offline update, got %v", updates)
	}
	if _, ok := updates[0]["timestamp"]; !ok {
		t.Error("Expected broadcast status update to carry a timestamp")
	}
	if logouts := bobConn.OfType(protocol.TypeUserLogout); len(logouts) != 1 {
		t.Errorf("Expected one logout notice, got %d", len(logouts))
	}
}

// TestPersistFailureSuppressesBroadcast verifies observers never see a
// status the store did not accept.
func TestPersistFailureSuppressesBroadcast(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("alice")
	bob := f.store.AddUser("bob")
	bobConn := f.connect(t, bob)
	f.store.FailStatus = true

	if err := f.tracker.MarkOnline(context.Background(), alice.ID); err == nil {
		t.Fatal("Expected MarkOnline to fail when persisting fails")
	}
	if n := len(bobConn.Frames()); n != 0 {
		t.Errorf("Expected no broadcast, got %d frames", n)
	}
}

// TestMarkOnlineUnknownUser returns an error without persisting.
func TestMarkOnlineUnknownUser(t *testing.T) {
	f := newFixture(t)
	if err := f.tracker.MarkOnline(context.Background(), 99); err == nil {
		t.Fatal("Expected error for unknown user")
	}
	if n := len(f.store.StatusWrites()); n != 0 {
		t.Errorf("Expected no status writes, got %d", n)
	}
}

// TestBroadcastStatusScopes compares the friends-only and all-users audiences.
func TestBroadcastStatusScopes(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("alice")
	friend := f.store.AddUser("friend")
	pending := f.store.AddUser("pending")
	stranger := f.store.AddUser("stranger")
	offlineFriend := f.store.AddUser("offline-friend")
	f.store.Befriend(alice.ID, friend.ID, models.FriendshipAccepted)
	f.store.Befriend(alice.ID, pending.ID, models.FriendshipPending)
	f.store.Befriend(alice.ID, offlineFriend.ID, models.FriendshipAccepted)

	f.connect(t, alice)
	friendConn := f.connect(t, friend)
	pendingConn := f.connect(t, pending)
	strangerConn := f.connect(t, stranger)

	t.Run("friends only", func(t *testing.T) {
		n := f.tracker.BroadcastStatus(context.Background(), alice.ID, models.StatusOnline, presence.ScopeFriendsOnly)
		if n != 1 {
			t.Errorf("Expected 1 delivery, got %d", n)
		}
		if len(friendConn.Frames()) != 1 {
			t.Errorf("Expected accepted friend to receive the update")
		}
		if len(pendingConn.Frames()) != 0 || len(strangerConn.Frames()) != 0 {
			t.Errorf("Expected pending friend and stranger to receive nothing")
		}
	})

	t.Run("all users", func(t *testing.T) {
		friendConn.Reset()
		n := f.tracker.BroadcastStatus(context.Background(), alice.ID, models.StatusOffline, presence.ScopeAllUsers)
		if n != 3 {
			t.Errorf("Expected 3 deliveries, got %d", n)
		}
		if len(strangerConn.Frames()) != 1 {
			t.Errorf("Expected stranger to receive the all-users update")
		}
	})
}

// TestSyncFriendsSendsOnlyFriendSet checks the one-time catch-up.
func TestSyncFriendsSendsOnlyFriendSet(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("alice")
	bob := f.store.AddUser("bob")
	carol := f.store.AddUser("carol")
	dave := f.store.AddUser("dave")
	f.store.Befriend(alice.ID, bob.ID, models.FriendshipAccepted)
	f.store.Befriend(carol.ID, alice.ID, models.FriendshipAccepted)
	_ = f.store.SetUserStatus(context.Background(), bob.ID, models.StatusOnline)

	aliceConn := f.connect(t, alice)
	daveConn := f.connect(t, dave)

	if n := f.tracker.SyncFriends(context.Background(), alice.ID); n != 2 {
		t.Fatalf("Expected 2 friend updates, got %d", n)
	}

	got := map[string]any{}
	for _, u := range aliceConn.OfType(protocol.TypeUserStatusUpdate) {
		got[u["user_name"].(string)] = u["status"]
		if _, ok := u["timestamp"]; ok {
			t.Errorf("Expected catch-up updates without timestamp, got %v", u)
		}
	}
	if got["bob"] != "online" || got["carol"] != "offline" {
		t.Errorf("Expected bob online and carol offline, got %v", got)
	}
	if _, ok := got["dave"]; ok {
		t.Error("Expected non-friend to be excluded from catch-up")
	}
	if len(daveConn.Frames()) != 0 {
		t.Error("Expected catch-up to go only to the connecting user")
	}
}

// TestLogoutClosesLiveConnection covers the external logout trigger.
func TestLogoutClosesLiveConnection(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("alice")
	bob := f.store.AddUser("bob")
	aliceConn := f.connect(t, alice)
	bobConn := f.connect(t, bob)

	if err := f.tracker.Logout(context.Background(), alice.ID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if closed, code := aliceConn.Closed(); !closed || code != registry.CloseNormal {
		t.Errorf("Expected alice's connection closed normally, got closed=%v code=%d", closed, code)
	}
	if _, ok := f.reg.Lookup(alice.ID); ok {
		t.Error("Expected alice to be removed from the registry")
	}
	if n := len(bobConn.OfType(protocol.TypeUserLogout)); n != 1 {
		t.Errorf("Expected exactly one logout notice, got %d", n)
	}
}
