// Package protocol defines the JSON frames exchanged over the chat WebSocket.
package protocol

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/Tyrowin/chatroom/internal/models"
)

// Frame type names.
const (
	TypeMessage             = "message"
	TypePing                = "ping"
	TypePong                = "pong"
	TypeError               = "error"
	TypeConnected           = "connected"
	TypeMessageNotification = "message_notification"
	TypeUserStatusUpdate    = "user_status_update"
	TypeUserLogin           = "user_login"
	TypeUserLogout          = "user_logout"
	TypeFriendChange        = "friend_change"
	TypeGroupChange         = "group_change"
	TypeSystemMessage       = "system_message"
)

// NotificationTextLimit is the number of characters kept in a notification.
const NotificationTextLimit = 50

// Inbound is a decoded client frame.
type Inbound struct {
	Type        string             `json:"type"`
	RecipientID *int64             `json:"recipient_id,omitempty"`
	GroupID     *int64             `json:"group_id,omitempty"`
	Text        *string            `json:"text,omitempty"`
	Attachment  *models.Attachment `json:"attachment,omitempty"`
}

// ErrMalformed wraps frames that are not a JSON object with a type.
var ErrMalformed = errors.New("malformed frame")

// Decode parses one client frame.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if in.Type == "" {
		return Inbound{}, errors.Wrap(ErrMalformed, "missing type")
	}
	return in, nil
}

// Encode marshals a server frame.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, errors.Wrap(err, "encode frame")
}

// Connected confirms an authenticated connection.
type Connected struct {
	Type    string `json:"type"`
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

func NewConnected(userID int64) Connected {
	return Connected{Type: TypeConnected, UserID: userID, Message: "Connected to chat"}
}

// Message is the authoritative copy of a persisted chat message.
type Message struct {
	Type        string             `json:"type"`
	ID          int64              `json:"id"`
	SenderID    int64              `json:"sender_id"`
	RecipientID *int64             `json:"recipient_id"`
	GroupID     *int64             `json:"group_id"`
	Text        *string            `json:"text"`
	Attachment  *models.Attachment `json:"attachment"`
	Timestamp   time.Time          `json:"timestamp"`
}

func NewMessage(m *models.Message) Message {
	return Message{
		Type:        TypeMessage,
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		GroupID:     m.GroupID,
		Text:        m.Text,
		Attachment:  m.Attachment(),
		Timestamp:   m.Timestamp,
	}
}

// MessageNotification is the short form sent to recipients that may not be
// looking at the conversation.
type MessageNotification struct {
	Type        string    `json:"type"`
	MessageID   int64     `json:"message_id"`
	SenderID    int64     `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	RecipientID *int64    `json:"recipient_id,omitempty"`
	GroupID     *int64    `json:"group_id,omitempty"`
	GroupName   string    `json:"group_name,omitempty"`
	Text        *string   `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewMessageNotification(m *models.Message, senderName, groupName string) MessageNotification {
	n := MessageNotification{
		Type:        TypeMessageNotification,
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		SenderName:  senderName,
		RecipientID: m.RecipientID,
		GroupID:     m.GroupID,
		Timestamp:   m.Timestamp,
	}
	if m.GroupID != nil {
		n.GroupName = groupName
	}
	if m.Text != nil {
		t := Truncate(*m.Text, NotificationTextLimit)
		n.Text = &t
	}
	return n
}

// Truncate keeps the first limit characters of s and appends "..." when
// anything was cut.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + "..."
}

// UserStatusUpdate announces a presence change or reports a friend's status.
type UserStatusUpdate struct {
	Type      string        `json:"type"`
	UserID    int64         `json:"user_id"`
	UserName  string        `json:"user_name"`
	Status    models.Status `json:"status"`
	Timestamp *time.Time    `json:"timestamp,omitempty"`
}

func NewUserStatusUpdate(userID int64, name string, status models.Status, at *time.Time) UserStatusUpdate {
	return UserStatusUpdate{Type: TypeUserStatusUpdate, UserID: userID, UserName: name, Status: status, Timestamp: at}
}

// UserNotice is a user_login or user_logout announcement.
type UserNotice struct {
	Type      string    `json:"type"`
	UserID    int64     `json:"user_id"`
	UserName  string    `json:"user_name"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func NewUserLogin(userID int64, name string, at time.Time) UserNotice {
	return UserNotice{Type: TypeUserLogin, UserID: userID, UserName: name, Message: name + " logged in", Timestamp: at}
}

func NewUserLogout(userID int64, name string, at time.Time) UserNotice {
	return UserNotice{Type: TypeUserLogout, UserID: userID, UserName: name, Message: name + " logged out", Timestamp: at}
}

// FriendChange tells both sides of a friendship that it was added or removed.
type FriendChange struct {
	Type     string `json:"type"`
	Action   string `json:"action"`
	UserID   int64  `json:"user_id"`
	FriendID int64  `json:"friend_id"`
}

func NewFriendChange(action string, userID, friendID int64) FriendChange {
	return FriendChange{Type: TypeFriendChange, Action: action, UserID: userID, FriendID: friendID}
}

// UserInfo is the short user reference embedded in group events.
type UserInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// GroupChange tells group members about a group or membership change.
type GroupChange struct {
	Type      string         `json:"type"`
	Action    string         `json:"action"`
	GroupID   int64          `json:"group_id"`
	GroupName string         `json:"group_name"`
	Data      map[string]any `json:"data"`
	UserInfo  *UserInfo      `json:"user_info"`
}

func NewGroupChange(action string, groupID int64, groupName string, data map[string]any, info *UserInfo) GroupChange {
	if data == nil {
		data = map[string]any{}
	}
	return GroupChange{Type: TypeGroupChange, Action: action, GroupID: groupID, GroupName: groupName, Data: data, UserInfo: info}
}

// SystemMessage is a human-readable membership line shown inside a group.
type SystemMessage struct {
	Type      string    `json:"type"`
	GroupID   int64     `json:"group_id"`
	GroupName string    `json:"group_name"`
	Action    string    `json:"action"`
	UserID    int64     `json:"user_id"`
	UserName  string    `json:"user_name"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func NewSystemMessage(groupID int64, groupName, action string, user UserInfo, text string, at time.Time) SystemMessage {
	return SystemMessage{
		Type:      TypeSystemMessage,
		GroupID:   groupID,
		GroupName: groupName,
		Action:    action,
		UserID:    user.ID,
		UserName:  user.Name,
		Text:      text,
		Timestamp: at,
	}
}

type Pong struct {
	Type string `json:"type"`
}

func NewPong() Pong { return Pong{Type: TypePong} }

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) Error { return Error{Type: TypeError, Message: message} }
