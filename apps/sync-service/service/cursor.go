package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"moodchat/apps/sync-service/model"
	"moodchat/pkg/redis"
)

// redisCursorStore 基于Redis的同步游标存储。
// 每用户一个hash，field是设备ID，value是上次同步时间
type redisCursorStore struct {
	rdb *redis.RedisClient
}

// NewCursorStore 创建同步游标存储
func NewCursorStore(rdb *redis.RedisClient) CursorStore {
	return &redisCursorStore{rdb: rdb}
}

func cursorKey(userID int64) string {
	return fmt.Sprintf(model.SyncCursorKeyFmt, userID)
}

func lastRequestKey(userID int64) string {
	return fmt.Sprintf(model.LastRequestKeyFmt, userID)
}

// Get 读取设备游标，无记录时返回零值
func (s *redisCursorStore) Get(ctx context.Context, userID int64, deviceID string) (time.Time, error) {
	val, err := s.rdb.HGet(ctx, cursorKey(userID), deviceID)
	if redis.IsNil(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get cursor: %v", err)
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cursor value: %v", err)
	}
	return t, nil
}

// Set 推进设备游标
func (s *redisCursorStore) Set(ctx context.Context, userID int64, deviceID string, at time.Time) error {
	if err := s.rdb.HSet(ctx, cursorKey(userID), deviceID, at.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to set cursor: %v", err)
	}
	return nil
}

// TouchLastRequest 记录用户最近一次同步请求时间
func (s *redisCursorStore) TouchLastRequest(ctx context.Context, userID int64, at time.Time) error {
	if err := s.rdb.Set(ctx, lastRequestKey(userID), at.Format(time.RFC3339Nano), 0); err != nil {
		return fmt.Errorf("failed to touch last request: %v", err)
	}
	return nil
}

// StaleUsers 扫描超过olderThan未发起同步的用户
func (s *redisCursorStore) StaleUsers(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	keys, err := s.rdb.Keys(ctx, model.LastRequestPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to scan last requests: %v", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var stale []int64
	for _, key := range keys {
		if len(stale) >= limit {
			break
		}
		val, err := s.rdb.Get(ctx, key)
		if err != nil {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, val)
		if err != nil || at.After(cutoff) {
			continue
		}
		uid, err := strconv.ParseInt(strings.TrimPrefix(key, "sync:lastreq:"), 10, 64)
		if err != nil {
			continue
		}
		stale = append(stale, uid)
	}
	return stale, nil
}
