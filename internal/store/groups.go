package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/Tyrowin/chatroom/internal/models"
)

// ErrCreatorMembership is returned when removing a group creator's membership.
var ErrCreatorMembership = errors.New("cannot remove group creator")

// CreateGroup inserts g together with the creator's admin membership.
func (s *Store) CreateGroup(ctx context.Context, g *models.Group) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(g).Error; err != nil {
			return err
		}
		return tx.Create(&models.GroupMember{GroupID: g.ID, UserID: g.CreatorID, Role: models.RoleAdmin}).Error
	})
	return errors.Wrapf(err, "create group %q", g.Name)
}

// GetGroup returns ErrNotFound when the group does not exist.
func (s *Store) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	var g models.Group
	if err := s.db.WithContext(ctx).First(&g, id).Error; err != nil {
		return nil, errors.Wrapf(notFound(err), "get group %d", id)
	}
	return &g, nil
}

// AddGroupMember adds userID to the group with the given role.
func (s *Store) AddGroupMember(ctx context.Context, groupID, userID int64, role models.MemberRole) error {
	m := models.GroupMember{GroupID: groupID, UserID: userID, Role: role}
	return errors.Wrapf(s.db.WithContext(ctx).Create(&m).Error, "add user %d to group %d", userID, groupID)
}

// RemoveGroupMember deletes a membership row. The creator's row is kept for
// as long as the group exists.
func (s *Store) RemoveGroupMember(ctx context.Context, groupID, userID int64) error {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if g.CreatorID == userID {
		return ErrCreatorMembership
	}
	err = s.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Delete(&models.GroupMember{}).Error
	return errors.Wrapf(err, "remove user %d from group %d", userID, groupID)
}

// GetGroupMemberIDs reads the current member set; nothing is cached.
func (s *Store) GetGroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&models.GroupMember{}).
		Where("group_id = ?", groupID).
		Order("id").
		Pluck("user_id", &ids).Error
	return ids, errors.Wrapf(err, "list members of group %d", groupID)
}

// IsGroupMember reports whether userID currently belongs to the group.
func (s *Store) IsGroupMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.GroupMember{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Count(&n).Error
	if err != nil {
		return false, errors.Wrapf(err, "check membership of user %d in group %d", userID, groupID)
	}
	return n > 0, nil
}
