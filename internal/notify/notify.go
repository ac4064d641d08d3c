// Package notify pushes friend and group change events, raised by the
// request/response side of the application, to connected users.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatroom/internal/metrics"
	"github.com/Tyrowin/chatroom/internal/models"
	"github.com/Tyrowin/chatroom/internal/protocol"
	"github.com/Tyrowin/chatroom/internal/registry"
	"github.com/Tyrowin/chatroom/internal/store"
)

// Friend change actions.
const (
	FriendAdded   = "added"
	FriendRemoved = "removed"
)

// Group change actions.
const (
	GroupCreated       = "created"
	GroupUpdated       = "updated"
	GroupDeleted       = "deleted"
	GroupMemberAdded   = "member_added"
	GroupMemberRemoved = "member_removed"
)

// ErrGroupNotFound is returned when a group event names a group that no
// longer exists and carries no overrides.
var ErrGroupNotFound = errors.New("group not found")

// Store is the part of the persistence gateway the notifier needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetGroup(ctx context.Context, id int64) (*models.Group, error)
	GetGroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error)
}

// GroupChange describes one group event. GroupName and MemberIDs, when set,
// are used instead of the stored values, so a deleted group can still be
// announced to its former members.
type GroupChange struct {
	GroupID   int64
	Action    string
	Data      map[string]any
	GroupName string
	MemberIDs []int64
}

// Notifier never fails a caller because a user is unreachable.
type Notifier struct {
	store   Store
	reg     *registry.Registry
	log     *zap.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

func New(st Store, reg *registry.Registry, log *zap.Logger, m *metrics.Recorder) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{store: st, reg: reg, log: log, metrics: m, now: time.Now}
}

// FriendChanged sends friend_change to both users. It returns the number of
// deliveries.
func (n *Notifier) FriendChanged(userID, friendID int64, action string) int {
	payload, err := protocol.Encode(protocol.NewFriendChange(action, userID, friendID))
	if err != nil {
		n.log.Error("encode friend change", zap.Error(err))
		return 0
	}
	delivered := 0
	for _, id := range []int64{userID, friendID} {
		if n.send(id, payload) {
			delivered++
		}
	}
	n.log.Debug("friend change sent",
		zap.Int64("user_id", userID),
		zap.Int64("friend_id", friendID),
		zap.String("action", action),
		zap.Int("delivered", delivered))
	return delivered
}

// GroupChanged announces a group event to every connected member. Member
// join and leave events with a resolvable user also get a system_message
// first. It returns the number of group_change deliveries.
func (n *Notifier) GroupChanged(ctx context.Context, change GroupChange) (int, error) {
	name, members, err := n.resolveGroup(ctx, change)
	if err != nil {
		return 0, err
	}

	info := n.userInfo(ctx, change.Data)

	if info != nil && (change.Action == GroupMemberAdded || change.Action == GroupMemberRemoved) {
		verb := "joined"
		if change.Action == GroupMemberRemoved {
			verb = "left"
		}
		text := fmt.Sprintf("%s %s the group %s", info.Name, verb, name)
		sys := protocol.NewSystemMessage(change.GroupID, name, change.Action, *info, text, n.now().UTC())
		if payload, err := protocol.Encode(sys); err == nil {
			for _, id := range members {
				n.send(id, payload)
			}
		}
	}

	payload, err := protocol.Encode(protocol.NewGroupChange(change.Action, change.GroupID, name, change.Data, info))
	if err != nil {
		return 0, errors.Wrap(err, "encode group change")
	}
	delivered := 0
	for _, id := range members {
		if n.send(id, payload) {
			delivered++
		}
	}
	n.log.Debug("group change sent",
		zap.Int64("group_id", change.GroupID),
		zap.String("action", change.Action),
		zap.Int("delivered", delivered))
	return delivered, nil
}

func (n *Notifier) resolveGroup(ctx context.Context, change GroupChange) (string, []int64, error) {
	name, members := change.GroupName, change.MemberIDs
	if name != "" && members != nil {
		return name, members, nil
	}

	group, err := n.store.GetGroup(ctx, change.GroupID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, ErrGroupNotFound
	}
	if err != nil {
		return "", nil, errors.Wrapf(err, "load group %d", change.GroupID)
	}

	if name == "" {
		name = group.Name
	}
	if members == nil {
		members, err = n.store.GetGroupMemberIDs(ctx, change.GroupID)
		if err != nil {
			return "", nil, errors.Wrapf(err, "load members of group %d", change.GroupID)
		}
	}
	return name, members, nil
}

// userInfo resolves data["user_id"] to a short user reference.
func (n *Notifier) userInfo(ctx context.Context, data map[string]any) *protocol.UserInfo {
	raw, ok := data["user_id"]
	if !ok {
		return nil
	}
	var id int64
	switch v := raw.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	case int:
		id = int64(v)
	default:
		return nil
	}
	u, err := n.store.GetUser(ctx, id)
	if err != nil {
		return nil
	}
	return &protocol.UserInfo{ID: u.ID, Name: u.Name}
}

func (n *Notifier) send(userID int64, payload []byte) bool {
	ok := n.reg.Send(userID, payload)
	n.metrics.Delivery(ok)
	return ok
}
