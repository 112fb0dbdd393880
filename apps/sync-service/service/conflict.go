package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"moodchat/apps/sync-service/dao"
	"moodchat/apps/sync-service/model"
	"moodchat/pkg/logger"
	"moodchat/pkg/redis"
)

// redisConflictStore 基于Redis的冲突记录存储，记录带TTL自动清理
type redisConflictStore struct {
	rdb *redis.RedisClient
	ttl time.Duration
}

// NewConflictStore 创建冲突记录存储
func NewConflictStore(rdb *redis.RedisClient, ttl time.Duration) ConflictStore {
	return &redisConflictStore{rdb: rdb, ttl: ttl}
}

func conflictKey(userID int64, tempID string) string {
	return fmt.Sprintf(model.ConflictKeyFmt, userID, tempID)
}

// Record 写入冲突记录，同键已有未解决记录时返回false
func (s *redisConflictStore) Record(ctx context.Context, conflict *model.SyncConflict) (bool, error) {
	body, err := json.Marshal(conflict)
	if err != nil {
		return false, fmt.Errorf("failed to marshal conflict: %v", err)
	}
	ok, err := s.rdb.SetNX(ctx, conflictKey(conflict.UserID, conflict.TempID), body, s.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to record conflict: %v", err)
	}
	return ok, nil
}

// Get 读取冲突记录，不存在时返回nil
func (s *redisConflictStore) Get(ctx context.Context, userID int64, tempID string) (*model.SyncConflict, error) {
	body, err := s.rdb.Get(ctx, conflictKey(userID, tempID))
	if redis.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %v", err)
	}
	var conflict model.SyncConflict
	if err := json.Unmarshal([]byte(body), &conflict); err != nil {
		return nil, fmt.Errorf("failed to decode conflict: %v", err)
	}
	return &conflict, nil
}

// List 列出用户所有未解决的冲突
func (s *redisConflictStore) List(ctx context.Context, userID int64) ([]*model.SyncConflict, error) {
	keys, err := s.rdb.Keys(ctx, fmt.Sprintf("sync:conflict:%d:*", userID))
	if err != nil {
		return nil, fmt.Errorf("failed to scan conflicts: %v", err)
	}

	conflicts := make([]*model.SyncConflict, 0, len(keys))
	for _, key := range keys {
		body, err := s.rdb.Get(ctx, key)
		if err != nil {
			continue
		}
		var conflict model.SyncConflict
		if err := json.Unmarshal([]byte(body), &conflict); err != nil {
			continue
		}
		conflicts = append(conflicts, &conflict)
	}
	return conflicts, nil
}

// Delete 删除冲突记录
func (s *redisConflictStore) Delete(ctx context.Context, userID int64, tempID string) error {
	return s.rdb.Del(ctx, conflictKey(userID, tempID))
}

// Count 全局未解决冲突数
func (s *redisConflictStore) Count(ctx context.Context) (int64, error) {
	keys, err := s.rdb.Keys(ctx, model.ConflictKeyPattern)
	if err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %v", err)
	}
	return int64(len(keys)), nil
}

// ConflictManager 冲突的登记与解决
type ConflictManager struct {
	store      ConflictStore
	messageDAO dao.MessageDAO
	fanout     *FanoutService
	log        logger.Logger
}

// NewConflictManager 创建冲突管理器
func NewConflictManager(store ConflictStore, messageDAO dao.MessageDAO, fanout *FanoutService, log logger.Logger) *ConflictManager {
	return &ConflictManager{
		store:      store,
		messageDAO: messageDAO,
		fanout:     fanout,
		log:        log,
	}
}

// RecordDuplicate 登记一条重复消息冲突并通知发起设备。
// 已有同键未解决记录时不重复登记、不重复通知
func (m *ConflictManager) RecordDuplicate(ctx context.Context, userID int64, deviceID string, pending *model.PendingMessage, existing *model.Message) error {
	clientData, _ := json.Marshal(pending)
	serverData, _ := json.Marshal(existing)
	conflict := &model.SyncConflict{
		UserID:     userID,
		TempID:     pending.TempID,
		Type:       model.ConflictDuplicateMessage,
		ClientData: clientData,
		ServerData: serverData,
		CreatedAt:  time.Now(),
	}

	recorded, err := m.store.Record(ctx, conflict)
	if err != nil {
		return err
	}
	if !recorded {
		return nil
	}

	m.fanout.NotifyConflict(ctx, conflict, deviceID)
	return nil
}

// Resolve 按指定方式解决冲突。
// 不支持的解决方式和不存在的冲突都是永久性错误，不触发重试
func (m *ConflictManager) Resolve(ctx context.Context, userID int64, tempID, resolution string) error {
	conflict, err := m.store.Get(ctx, userID, tempID)
	if err != nil {
		return dao.Transient(err)
	}
	if conflict == nil {
		return fmt.Errorf("conflict not found: %s", tempID)
	}
	if !model.ResolutionSupported(conflict.Type, resolution) {
		return fmt.Errorf("resolution %s not supported for conflict type %s", resolution, conflict.Type)
	}

	switch resolution {
	case model.ResolutionUseClient:
		if err := m.applyClientVersion(ctx, conflict); err != nil {
			return err
		}
	case model.ResolutionUseServer:
		// 保留服务端版本，客户端丢弃本地副本即可
	}

	if err := m.store.Delete(ctx, userID, tempID); err != nil {
		return dao.Transient(err)
	}

	conflict.Resolution = resolution
	m.fanout.NotifyConflictResolved(ctx, conflict)

	m.log.Info(ctx, "冲突已解决",
		logger.F("userID", userID),
		logger.F("tempID", tempID),
		logger.F("resolution", resolution))
	return nil
}

// applyClientVersion 用客户端版本覆盖服务端消息内容
func (m *ConflictManager) applyClientVersion(ctx context.Context, conflict *model.SyncConflict) error {
	var pending model.PendingMessage
	if err := json.Unmarshal(conflict.ClientData, &pending); err != nil {
		return fmt.Errorf("malformed client data in conflict: %v", err)
	}

	existing, err := m.messageDAO.GetMessageByTempID(ctx, conflict.UserID, conflict.TempID)
	if err != nil {
		if dao.IsNotFound(err) {
			return fmt.Errorf("conflicting message disappeared: %s", conflict.TempID)
		}
		return err
	}
	return m.messageDAO.ReplaceMessageContent(ctx, existing.MessageID, pending.Content)
}
