package service

import (
	"context"
	"testing"

	"moodchat/apps/sync-service/model"
	"moodchat/pkg/logger"
)

// TestEnqueueResetsRetryCount 外部提交的任务不能带着重试计数进来，
// 预消耗重试预算的值一律清零
func TestEnqueueResetsRetryCount(t *testing.T) {
	env := newTestEnv()
	s := &Service{queue: env.queue, cursors: env.cursors, log: logger.GetLogger()}

	job := &model.SyncJob{
		UserID:     1,
		Operation:  model.OpSyncMessages,
		Data:       []byte("{}"),
		DeviceID:   "d1",
		RetryCount: 4,
	}
	if err := s.EnqueueSyncJob(context.Background(), job); err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	env.queue.mu.Lock()
	defer env.queue.mu.Unlock()
	if len(env.queue.jobs) != 1 {
		t.Fatalf("应入队1条任务，实际%d条", len(env.queue.jobs))
	}
	if env.queue.jobs[0].RetryCount != 0 {
		t.Errorf("入队时应重置重试计数，实际%d", env.queue.jobs[0].RetryCount)
	}
}

// TestEnqueueRejectsInvalidJob 非法用户ID或未知操作被拒绝，不进队列
func TestEnqueueRejectsInvalidJob(t *testing.T) {
	env := newTestEnv()
	s := &Service{queue: env.queue, cursors: env.cursors, log: logger.GetLogger()}
	ctx := context.Background()

	if err := s.EnqueueSyncJob(ctx, &model.SyncJob{UserID: 0, Operation: model.OpSyncMessages}); err == nil {
		t.Error("非法用户ID应被拒绝")
	}
	if err := s.EnqueueSyncJob(ctx, &model.SyncJob{UserID: 1, Operation: "defragment"}); err == nil {
		t.Error("未知操作应被拒绝")
	}

	env.queue.mu.Lock()
	defer env.queue.mu.Unlock()
	if len(env.queue.jobs) != 0 {
		t.Errorf("被拒绝的任务不应入队，实际%d条", len(env.queue.jobs))
	}
}
