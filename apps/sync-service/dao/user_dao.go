package dao

import (
	"context"
	"fmt"

	"moodchat/apps/sync-service/model"
	"moodchat/pkg/database"
)

// userDAO 用户数据访问对象
type userDAO struct {
	db *database.PostgreSQL
}

// NewUserDAO 创建用户DAO实例
func NewUserDAO(db *database.PostgreSQL) UserDAO {
	return &userDAO{db: db}
}

// ListFriendIDs 获取好友ID列表
func (d *userDAO) ListFriendIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	db := d.db.GetDB()
	err := db.WithContext(ctx).Model(&model.Friend{}).
		Where("user_id = ?", userID).
		Pluck("friend_id", &ids).Error
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to list friends: %v", err))
	}
	return ids, nil
}

// UpdateUserStatus 持久化用户状态变更
func (d *userDAO) UpdateUserStatus(ctx context.Context, userID int64, patch *model.StatusPatch) error {
	updates := map[string]interface{}{
		"status": patch.Status,
	}
	if patch.StatusText != "" {
		updates["status_text"] = patch.StatusText
	}
	if patch.StatusEmoji != "" {
		updates["status_emoji"] = patch.StatusEmoji
	}
	if patch.ExpiresAt != nil {
		updates["status_expires_at"] = patch.ExpiresAt
	}

	db := d.db.GetDB()
	res := db.WithContext(ctx).Table("users").
		Where("id = ?", userID).
		Updates(updates)
	if res.Error != nil {
		return Transient(fmt.Errorf("failed to update user status: %v", res.Error))
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
