package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/Tyrowin/chatroom/internal/models"
)

// CreateUser inserts u and fills its ID.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if u.Status == "" {
		u.Status = models.StatusOffline
	}
	return errors.Wrapf(s.db.WithContext(ctx).Create(u).Error, "create user %q", u.Email)
}

// GetUser returns ErrNotFound when no user has the id.
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, errors.Wrapf(notFound(err), "get user %d", id)
	}
	return &u, nil
}

// GetUserByEmail returns ErrNotFound when no user has the address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, errors.Wrapf(notFound(err), "get user by email %q", email)
	}
	return &u, nil
}

// SetUserStatus persists a presence change.
func (s *Store) SetUserStatus(ctx context.Context, id int64, status models.Status) error {
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("status", status)
	return errors.Wrapf(res.Error, "set status of user %d", id)
}

// AddFriendship stores both directed rows of a friendship with the same status.
func (s *Store) AddFriendship(ctx context.Context, userID, friendID int64, status models.FriendshipStatus) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows := []models.Friendship{
			{UserID: userID, FriendID: friendID, Status: status},
			{UserID: friendID, FriendID: userID, Status: status},
		}
		return tx.Create(&rows).Error
	})
	return errors.Wrapf(err, "add friendship %d<->%d", userID, friendID)
}

// GetAcceptedFriendIDs returns the ids of all accepted friends of userID,
// taking rows in either direction.
func (s *Store) GetAcceptedFriendIDs(ctx context.Context, userID int64) ([]int64, error) {
	var rows []models.Friendship
	err := s.db.WithContext(ctx).
		Where("(user_id = ? OR friend_id = ?) AND status = ?", userID, userID, models.FriendshipAccepted).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list friends of user %d", userID)
	}

	seen := make(map[int64]struct{}, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, f := range rows {
		other := f.FriendID
		if f.FriendID == userID {
			other = f.UserID
		}
		if other == userID {
			continue
		}
		if _, ok := seen[other]; ok {
			continue
		}
		seen[other] = struct{}{}
		ids = append(ids, other)
	}
	return ids, nil
}
