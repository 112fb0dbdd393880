package dao

import (
	"context"
	"time"

	"moodchat/apps/sync-service/model"
)

// MessageDAO 消息数据访问接口
type MessageDAO interface {
	// GetUnsyncedMessages 按创建时间升序返回since之后投递给该用户的消息
	GetUnsyncedMessages(ctx context.Context, userID int64, since time.Time, limit int) ([]*model.Message, error)
	CreateMessage(ctx context.Context, msg *model.Message) error
	// GetMessageByTempID 按客户端临时ID查找消息，不存在时返回ErrNotFound
	GetMessageByTempID(ctx context.Context, userID int64, tempID string) (*model.Message, error)
	MarkMessageAsRead(ctx context.Context, messageID, userID int64, at time.Time) error
	// ReplaceMessageContent 用客户端版本覆盖服务端副本（冲突解决use_client）
	ReplaceMessageContent(ctx context.Context, messageID int64, content string) error
}

// ChatDAO 会话数据访问接口
type ChatDAO interface {
	GetUpdatedChats(ctx context.Context, userID int64, since time.Time) ([]*model.Chat, error)
	UpdateLastRead(ctx context.Context, chatID, userID int64, at time.Time) error
	GetChatMemberIDs(ctx context.Context, chatID int64) ([]int64, error)
}

// UserDAO 用户数据访问接口
type UserDAO interface {
	ListFriendIDs(ctx context.Context, userID int64) ([]int64, error)
	UpdateUserStatus(ctx context.Context, userID int64, patch *model.StatusPatch) error
}

// MediaDAO 媒体任务数据访问接口
type MediaDAO interface {
	ListPendingMedia(ctx context.Context, userID int64, deviceID string, itemIDs []string) ([]*model.MediaItem, error)
	CompleteMediaItem(ctx context.Context, itemID string) error
	FailMediaItem(ctx context.Context, itemID, reason string) error
}
