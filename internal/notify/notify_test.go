package notify_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/Tyrowin/chatroom/internal/notify"
	"github.com/Tyrowin/chatroom/internal/protocol"
	"github.com/Tyrowin/chatroom/internal/registry"
	"github.com/Tyrowin/chatroom/internal/testhelpers"
)

// TestFriendChanged notifies both sides when connected.
func TestFriendChanged(t *testing.T) {
	st := testhelpers.NewFakeStore()
	reg := registry.New(nil)
	n := notify.New(st, reg, nil, nil)
	alice := st.AddUser("alice")
	bob := st.AddUser("bob")
	aliceConn := testhelpers.NewFakeHandle("alice")
	reg.Register(alice.ID, aliceConn)

	t.Run("one side connected", func(t *testing.T) {
		if got := n.FriendChanged(alice.ID, bob.ID, notify.FriendAdded); got != 1 {
			t.Errorf("Expected 1 delivery, got %d", got)
		}
		frames := aliceConn.OfType(protocol.TypeFriendChange)
		if len(frames) != 1 || frames[0]["action"] != "added" {
			t.Errorf("Expected added friend_change, got %v", frames)
		}
	})

	t.Run("both connected", func(t *testing.T) {
		reg.Register(bob.ID, testhelpers.NewFakeHandle("bob"))
		if got := n.FriendChanged(alice.ID, bob.ID, notify.FriendRemoved); got != 2 {
			t.Errorf("Expected 2 deliveries, got %d", got)
		}
	})
}

// TestGroupMemberAdded sends the system line before the group change.
func TestGroupMemberAdded(t *testing.T) {
	st := testhelpers.NewFakeStore()
	reg := registry.New(nil)
	n := notify.New(st, reg, nil, nil)
	alice := st.AddUser("alice")
	bob := st.AddUser("bob")
	outsider := st.AddUser("outsider")
	group := st.AddGroup("team", alice.ID, bob.ID)

	aliceConn := testhelpers.NewFakeHandle("alice")
	outsiderConn := testhelpers.NewFakeHandle("outsider")
	reg.Register(alice.ID, aliceConn)
	reg.Register(outsider.ID, outsiderConn)

	delivered, err := n.GroupChanged(context.Background(), notify.GroupChange{
		GroupID: group.ID,
		Action:  notify.GroupMemberAdded,
		Data:    map[string]any{"user_id": float64(bob.ID)},
	})
	if err != nil {
		t.Fatalf("GroupChanged failed: %v", err)
	}
	if delivered != 1 {
		t.Errorf("Expected 1 group_change delivery, got %d", delivered)
	}

	frames := aliceConn.Frames()
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if frames[0]["type"] != protocol.TypeSystemMessage || frames[0]["text"] != "bob joined the group team" {
		t.Errorf("Expected system message first, got %v", frames[0])
	}
	if frames[1]["type"] != protocol.TypeGroupChange {
		t.Errorf("Expected group_change second, got %v", frames[1]["type"])
	}
	info, ok := frames[1]["user_info"].(map[string]any)
	if !ok || info["name"] != "bob" {
		t.Errorf("Expected user_info for bob, got %v", frames[1]["user_info"])
	}
	if got := len(outsiderConn.Frames()); got != 0 {
		t.Errorf("Expected non-member to receive nothing, got %d", got)
	}
}

// TestGroupUpdatedHasNoSystemMessage checks plain group events.
func TestGroupUpdatedHasNoSystemMessage(t *testing.T) {
	st := testhelpers.NewFakeStore()
	reg := registry.New(nil)
	n := notify.New(st, reg, nil, nil)
	alice := st.AddUser("alice")
	group := st.AddGroup("team", alice.ID)
	aliceConn := testhelpers.NewFakeHandle("alice")
	reg.Register(alice.ID, aliceConn)

	if _, err := n.GroupChanged(context.Background(), notify.GroupChange{GroupID: group.ID, Action: notify.GroupUpdated}); err != nil {
		t.Fatalf("GroupChanged failed: %v", err)
	}
	frames := aliceConn.Frames()
	if len(frames) != 1 || frames[0]["type"] != protocol.TypeGroupChange {
		t.Fatalf("Expected a single group_change, got %v", frames)
	}
	if frames[0]["user_info"] != nil {
		t.Errorf("Expected null user_info, got %v", frames[0]["user_info"])
	}
	if data, ok := frames[0]["data"].(map[string]any); !ok || len(data) != 0 {
		t.Errorf("Expected empty data object, got %v", frames[0]["data"])
	}
}

// TestGroupDeleted uses overrides once the group row is gone.
func TestGroupDeleted(t *testing.T) {
	st := testhelpers.NewFakeStore()
	reg := registry.New(nil)
	n := notify.New(st, reg, nil, nil)
	alice := st.AddUser("alice")
	bob := st.AddUser("bob")
	group := st.AddGroup("team", alice.ID, bob.ID)
	st.DeleteGroup(group.ID)
	bobConn := testhelpers.NewFakeHandle("bob")
	reg.Register(bob.ID, bobConn)

	t.Run("without overrides", func(t *testing.T) {
		_, err := n.GroupChanged(context.Background(), notify.GroupChange{GroupID: group.ID, Action: notify.GroupDeleted})
		if !errors.Is(err, notify.ErrGroupNotFound) {
			t.Errorf("Expected ErrGroupNotFound, got %v", err)
		}
	})

	t.Run("with overrides", func(t *testing.T) {
		delivered, err := n.GroupChanged(context.Background(), notify.GroupChange{
			GroupID:   group.ID,
			Action:    notify.GroupDeleted,
			GroupName: "team",
			MemberIDs: []int64{alice.ID, bob.ID},
		})
		if err != nil {
			t.Fatalf("GroupChanged failed: %v", err)
		}
		if delivered != 1 {
			t.Errorf("Expected 1 delivery, got %d", delivered)
		}
		frames := bobConn.OfType(protocol.TypeGroupChange)
		if len(frames) != 1 || frames[0]["group_name"] != "team" {
			t.Errorf("Expected deleted notice with group name, got %v", frames)
		}
	})
}
