package service

import (
	"context"
	"fmt"
	"time"

	"moodchat/apps/sync-service/model"
	"moodchat/pkg/redis"
)

// redisPresenceStore 基于Redis的在线状态存储
type redisPresenceStore struct {
	rdb *redis.RedisClient
}

// NewPresenceStore 创建在线状态存储
func NewPresenceStore(rdb *redis.RedisClient) PresenceStore {
	return &redisPresenceStore{rdb: rdb}
}

func presenceKey(userID int64) string {
	return fmt.Sprintf(model.PresenceKeyFmt, userID)
}

// SetOnline 标记用户在线并刷新活跃时间
func (s *redisPresenceStore) SetOnline(ctx context.Context, userID int64) error {
	key := presenceKey(userID)
	fields := map[string]interface{}{
		"online":         "1",
		"last_active_at": time.Now().Format(time.RFC3339),
	}
	if err := s.rdb.HMSet(ctx, key, fields); err != nil {
		return fmt.Errorf("failed to set presence: %v", err)
	}
	if err := s.rdb.Expire(ctx, key, model.PresenceTTL); err != nil {
		return fmt.Errorf("failed to expire presence: %v", err)
	}
	return s.rdb.SAdd(ctx, model.OnlineUsersKey, userID)
}

// SetOffline 标记用户离线，保留自定义状态字段
func (s *redisPresenceStore) SetOffline(ctx context.Context, userID int64) error {
	key := presenceKey(userID)
	fields := map[string]interface{}{
		"online":         "0",
		"last_active_at": time.Now().Format(time.RFC3339),
	}
	if err := s.rdb.HMSet(ctx, key, fields); err != nil {
		return fmt.Errorf("failed to set presence: %v", err)
	}
	return s.rdb.SRem(ctx, model.OnlineUsersKey, userID)
}

// UpdateStatus 更新用户的状态字段
func (s *redisPresenceStore) UpdateStatus(ctx context.Context, userID int64, patch *model.StatusPatch) error {
	key := presenceKey(userID)
	fields := map[string]interface{}{
		"status":       patch.Status,
		"status_text":  patch.StatusText,
		"status_emoji": patch.StatusEmoji,
	}
	if patch.ExpiresAt != nil {
		fields["expires_at"] = patch.ExpiresAt.Format(time.RFC3339)
	} else {
		fields["expires_at"] = ""
	}
	if err := s.rdb.HMSet(ctx, key, fields); err != nil {
		return fmt.Errorf("failed to update status: %v", err)
	}
	return s.rdb.Expire(ctx, key, model.PresenceTTL)
}

// GetPresence 读取用户在线状态，无记录时返回离线默认值
func (s *redisPresenceStore) GetPresence(ctx context.Context, userID int64) (*model.UserPresence, error) {
	fields, err := s.rdb.HGetAll(ctx, presenceKey(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %v", err)
	}

	presence := &model.UserPresence{
		UserID: userID,
		Status: model.StatusOffline,
	}
	if len(fields) == 0 {
		return presence, nil
	}

	presence.Online = fields["online"] == "1"
	if st := fields["status"]; st != "" {
		presence.Status = st
	} else if presence.Online {
		presence.Status = model.StatusOnline
	}
	presence.StatusText = fields["status_text"]
	presence.StatusEmoji = fields["status_emoji"]
	if v := fields["last_active_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			presence.LastActiveAt = t
		}
	}
	if v := fields["expires_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			presence.ExpiresAt = &t
		}
	}

	// 自定义状态过期后回落到基础在线态
	if presence.ExpiresAt != nil && time.Now().After(*presence.ExpiresAt) {
		presence.StatusText = ""
		presence.StatusEmoji = ""
		presence.ExpiresAt = nil
		if presence.Online {
			presence.Status = model.StatusOnline
		} else {
			presence.Status = model.StatusOffline
		}
	}
	return presence, nil
}

// OnlineCount 全局在线用户数
func (s *redisPresenceStore) OnlineCount(ctx context.Context) (int64, error) {
	members, err := s.rdb.SMembers(ctx, model.OnlineUsersKey)
	if err != nil {
		return 0, fmt.Errorf("failed to count online users: %v", err)
	}
	return int64(len(members)), nil
}
