package dao

import (
	"context"
	"fmt"
	"time"

	"moodchat/apps/sync-service/model"
	"moodchat/pkg/database"
)

// chatDAO 会话数据访问对象
type chatDAO struct {
	db *database.PostgreSQL
}

// NewChatDAO 创建会话DAO实例
func NewChatDAO(db *database.PostgreSQL) ChatDAO {
	return &chatDAO{db: db}
}

// GetUpdatedChats 返回since之后有变更、且该用户是成员的会话
func (d *chatDAO) GetUpdatedChats(ctx context.Context, userID int64, since time.Time) ([]*model.Chat, error) {
	var chats []*model.Chat
	db := d.db.GetDB()
	err := db.WithContext(ctx).
		Joins("JOIN chat_members ON chat_members.chat_id = chats.id").
		Where("chat_members.user_id = ? AND chats.updated_at > ?", userID, since).
		Order("chats.updated_at ASC").
		Find(&chats).Error
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to query updated chats: %v", err))
	}
	return chats, nil
}

// UpdateLastRead 更新会话的已读位置
func (d *chatDAO) UpdateLastRead(ctx context.Context, chatID, userID int64, at time.Time) error {
	db := d.db.GetDB()
	res := db.WithContext(ctx).Model(&model.ChatMember{}).
		Where("chat_id = ? AND user_id = ? AND (last_read_at IS NULL OR last_read_at < ?)", chatID, userID, at).
		Update("last_read_at", at)
	if res.Error != nil {
		return Transient(fmt.Errorf("failed to update last read: %v", res.Error))
	}
	return nil
}

// GetChatMemberIDs 获取会话成员ID列表
func (d *chatDAO) GetChatMemberIDs(ctx context.Context, chatID int64) ([]int64, error) {
	var ids []int64
	db := d.db.GetDB()
	err := db.WithContext(ctx).Model(&model.ChatMember{}).
		Where("chat_id = ?", chatID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to list chat members: %v", err))
	}
	return ids, nil
}
