package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/Tyrowin/chatroom/internal/models"
)

// ErrInvalidTarget is returned for a message with both or neither of
// recipient and group set.
var ErrInvalidTarget = errors.New("message must target exactly one of recipient or group")

// AppendMessage inserts m, assigning its ID and Timestamp.
func (s *Store) AppendMessage(ctx context.Context, m *models.Message) error {
	if (m.RecipientID == nil) == (m.GroupID == nil) {
		return ErrInvalidTarget
	}
	m.ID = 0
	m.Timestamp = time.Now().UTC()
	return errors.Wrapf(s.db.WithContext(ctx).Create(m).Error, "append message from user %d", m.SenderID)
}

// CountMessages returns the number of stored messages.
func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).Count(&n).Error
	return n, errors.Wrap(err, "count messages")
}
