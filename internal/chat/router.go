// Package chat validates inbound chat messages, persists them, and fans them
// out to the connected recipients.
package chat

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatroom/internal/metrics"
	"github.com/Tyrowin/chatroom/internal/models"
	"github.com/Tyrowin/chatroom/internal/protocol"
	"github.com/Tyrowin/chatroom/internal/registry"
	"github.com/Tyrowin/chatroom/internal/store"
)

// Validation failure texts sent back to the sender.
const (
	MsgNoTarget      = "Either recipient_id or group_id must be provided"
	MsgBothTargets   = "Only one of recipient_id or group_id may be provided"
	MsgEmptyMessage  = "Message must contain text or an attachment"
	MsgNoRecipient   = "Recipient not found"
	MsgNotMember     = "You are not a member of this group"
	MsgPersistFailed = "Failed to save message"
)

// ValidationError rejects a message before anything is persisted.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// PersistenceError means the message could not be stored and was delivered
// to nobody.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return MsgPersistFailed }

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is the part of the persistence gateway the router needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetGroup(ctx context.Context, id int64) (*models.Group, error)
	IsGroupMember(ctx context.Context, groupID, userID int64) (bool, error)
	GetGroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error)
	AppendMessage(ctx context.Context, m *models.Message) error
}

// Result describes one routed message.
type Result struct {
	Message   *models.Message
	Delivered int
	Notified  int
}

// Router is stateless apart from its collaborators and safe for concurrent
// use by every connection.
type Router struct {
	store   Store
	reg     *registry.Registry
	log     *zap.Logger
	metrics *metrics.Recorder
}

// Option configures a Router.
type Option func(*Router)

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Router) { r.metrics = m }
}

func New(st Store, reg *registry.Registry, log *zap.Logger, opts ...Option) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{store: st, reg: reg, log: log}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route handles one message frame from sender. The returned error is either
// a *ValidationError or a *PersistenceError; delivery failures are never
// reported.
func (r *Router) Route(ctx context.Context, sender models.User, in protocol.Inbound) (Result, error) {
	msg, err := r.validate(ctx, sender, in)
	if err != nil {
		kind := metrics.KindValidation
		var pe *PersistenceError
		if errors.As(err, &pe) {
			kind = metrics.KindPersistence
		}
		r.metrics.MessageFailed(kind)
		return Result{}, err
	}

	if err := r.store.AppendMessage(ctx, msg); err != nil {
		r.metrics.MessageFailed(metrics.KindPersistence)
		r.log.Error("persist message failed",
			zap.Int64("user_id", sender.ID),
			zap.Error(err))
		return Result{}, &PersistenceError{Err: err}
	}

	var res Result
	if msg.IsGroup() {
		res = r.fanOutGroup(ctx, sender, msg)
		r.metrics.MessageRouted(metrics.KindGroup)
	} else {
		res = r.fanOutPersonal(sender, msg)
		r.metrics.MessageRouted(metrics.KindPersonal)
	}
	res.Message = msg

	r.log.Debug("message routed",
		zap.Int64("user_id", sender.ID),
		zap.Int64("message_id", msg.ID),
		zap.Int("delivered", res.Delivered),
		zap.Int("notified", res.Notified))
	return res, nil
}

func (r *Router) validate(ctx context.Context, sender models.User, in protocol.Inbound) (*models.Message, error) {
	switch {
	case in.RecipientID == nil && in.GroupID == nil:
		return nil, &ValidationError{Message: MsgNoTarget}
	case in.RecipientID != nil && in.GroupID != nil:
		return nil, &ValidationError{Message: MsgBothTargets}
	}

	text := in.Text
	if text != nil && *text == "" {
		text = nil
	}
	att := in.Attachment
	if att != nil && att.URL == "" {
		att = nil
	}
	if text == nil && att == nil {
		return nil, &ValidationError{Message: MsgEmptyMessage}
	}

	if in.RecipientID != nil {
		if _, err := r.store.GetUser(ctx, *in.RecipientID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &ValidationError{Message: MsgNoRecipient}
			}
			return nil, &PersistenceError{Err: err}
		}
	} else {
		member, err := r.store.IsGroupMember(ctx, *in.GroupID, sender.ID)
		if err != nil {
			return nil, &PersistenceError{Err: err}
		}
		if !member {
			return nil, &ValidationError{Message: MsgNotMember}
		}
	}

	msg := &models.Message{
		SenderID:    sender.ID,
		RecipientID: in.RecipientID,
		GroupID:     in.GroupID,
		Text:        text,
	}
	if att != nil {
		url, name, mime := att.URL, att.Name, att.MimeType
		msg.AttachmentURL = &url
		msg.AttachmentName = &name
		msg.AttachmentType = &mime
	}
	return msg, nil
}

func (r *Router) fanOutPersonal(sender models.User, msg *models.Message) Result {
	var res Result
	envelope, ok := r.encode(protocol.NewMessage(msg))
	if !ok {
		return res
	}
	recipient := *msg.RecipientID

	if r.send(recipient, envelope) {
		res.Delivered++
	}
	if recipient == sender.ID {
		return res
	}
	if r.send(sender.ID, envelope) {
		res.Delivered++
	}

	if note, ok := r.encode(protocol.NewMessageNotification(msg, sender.Name, "")); ok && r.send(recipient, note) {
		res.Notified++
	}
	return res
}

func (r *Router) fanOutGroup(ctx context.Context, sender models.User, msg *models.Message) Result {
	var res Result
	envelope, ok := r.encode(protocol.NewMessage(msg))
	if !ok {
		return res
	}
	groupID := *msg.GroupID

	members, err := r.store.GetGroupMemberIDs(ctx, groupID)
	if err != nil {
		r.log.Warn("member lookup failed after persist; echoing to sender only",
			zap.Int64("group_id", groupID),
			zap.Int64("message_id", msg.ID),
			zap.Error(err))
		if r.send(sender.ID, envelope) {
			res.Delivered++
		}
		return res
	}

	senderSeen := false
	for _, id := range members {
		if id == sender.ID {
			senderSeen = true
		}
		if r.send(id, envelope) {
			res.Delivered++
		}
	}
	if !senderSeen && r.send(sender.ID, envelope) {
		res.Delivered++
	}

	group, err := r.store.GetGroup(ctx, groupID)
	if err != nil {
		r.log.Warn("group lookup failed; skipping notifications",
			zap.Int64("group_id", groupID),
			zap.Error(err))
		return res
	}
	note, ok := r.encode(protocol.NewMessageNotification(msg, sender.Name, group.Name))
	if !ok {
		return res
	}
	for _, id := range members {
		if id == sender.ID {
			continue
		}
		if r.send(id, note) {
			res.Notified++
		}
	}
	return res
}

func (r *Router) send(userID int64, payload []byte) bool {
	ok := r.reg.Send(userID, payload)
	r.metrics.Delivery(ok)
	return ok
}

func (r *Router) encode(v any) ([]byte, bool) {
	payload, err := protocol.Encode(v)
	if err != nil {
		r.log.Error("encode chat frame", zap.Error(err), zap.String("frame", fmt.Sprintf("%T", v)))
		return nil, false
	}
	return payload, true
}
