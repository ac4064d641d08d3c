// Package models defines the persisted chat entities shared by the store and
// the real-time components.
package models

import "time"

// Status is a user's presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// FriendshipStatus is the state of one directed friendship row.
type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
)

// MemberRole is a user's role inside a group.
type MemberRole string

const (
	RoleMember MemberRole = "member"
	RoleAdmin  MemberRole = "admin"
)

type User struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"size:255;not null" json:"name"`
	Email        string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	Avatar       string    `gorm:"size:500" json:"avatar"`
	Status       Status    `gorm:"size:16;not null;default:offline" json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Friendship is one direction of an undirected friendship; an accepted
// friendship is stored as two rows with matching status.
type Friendship struct {
	ID        int64            `gorm:"primaryKey" json:"id"`
	UserID    int64            `gorm:"not null;uniqueIndex:unique_friendship" json:"user_id"`
	FriendID  int64            `gorm:"not null;uniqueIndex:unique_friendship" json:"friend_id"`
	Status    FriendshipStatus `gorm:"size:16;not null;default:accepted" json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

type Group struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatorID int64     `gorm:"not null" json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type GroupMember struct {
	ID       int64      `gorm:"primaryKey" json:"id"`
	GroupID  int64      `gorm:"not null;uniqueIndex:unique_group_member" json:"group_id"`
	UserID   int64      `gorm:"not null;uniqueIndex:unique_group_member" json:"user_id"`
	Role     MemberRole `gorm:"size:16;not null;default:member" json:"role"`
	JoinedAt time.Time  `gorm:"autoCreateTime" json:"joined_at"`
}

// Message targets exactly one of RecipientID or GroupID. ID and Timestamp are
// assigned when the row is inserted.
type Message struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	SenderID       int64     `gorm:"not null;index" json:"sender_id"`
	RecipientID    *int64    `gorm:"index" json:"recipient_id,omitempty"`
	GroupID        *int64    `gorm:"index" json:"group_id,omitempty"`
	Text           *string   `gorm:"type:text" json:"text,omitempty"`
	AttachmentURL  *string   `gorm:"size:500" json:"attachment_url,omitempty"`
	AttachmentName *string   `gorm:"size:255" json:"attachment_name,omitempty"`
	AttachmentType *string   `gorm:"size:100" json:"attachment_type,omitempty"`
	Timestamp      time.Time `gorm:"not null;index" json:"timestamp"`
}

// Attachment describes the single file carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

// Attachment returns the message attachment, or nil when it has none.
func (m *Message) Attachment() *Attachment {
	if m.AttachmentURL == nil {
		return nil
	}
	a := &Attachment{URL: *m.AttachmentURL}
	if m.AttachmentName != nil {
		a.Name = *m.AttachmentName
	}
	if m.AttachmentType != nil {
		a.MimeType = *m.AttachmentType
	}
	return a
}

// IsGroup reports whether the message was sent to a group.
func (m *Message) IsGroup() bool {
	return m.GroupID != nil
}
