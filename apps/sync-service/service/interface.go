package service

import (
	"context"
	"time"

	"moodchat/apps/sync-service/model"
)

// JobQueue 同步任务队列。
// 同一用户的任务按入队顺序处理，不同用户的任务可并发。
type JobQueue interface {
	// Enqueue 入队一条任务
	Enqueue(ctx context.Context, job *model.SyncJob) error
	// Dequeue 阻塞弹出下一条任务，超时（队列空）时返回(nil, nil)。
	// 弹出后该用户被独占，直到Finish被调用；
	// Finish之前任务归队列所有，消费者崩溃不丢任务
	Dequeue(ctx context.Context, timeout time.Duration) (*model.SyncJob, error)
	// Finish 确认任务处理结束并释放用户，若还有积压任务则重新排队
	Finish(ctx context.Context, userID int64) error
	// Requeue 延迟重试，延迟期间不占用消费协程
	Requeue(ctx context.Context, job *model.SyncJob, delay time.Duration) error
	// MoveDueRetries 把到期的重试任务移回主队列
	MoveDueRetries(ctx context.Context) (int, error)
	// ReclaimOrphans 找回崩溃消费者留下的未确认任务并重新排队
	ReclaimOrphans(ctx context.Context) (int, error)
	// DeadLetter 写入用户的死信记录，不再自动重试
	DeadLetter(ctx context.Context, job *model.SyncJob, reason string) error
	// DeadLetters 读取用户的死信记录
	DeadLetters(ctx context.Context, userID int64) ([]*model.DeadLetterRecord, error)
	// RequeueDeadLetters 人工干预：把用户的死信重新入队
	RequeueDeadLetters(ctx context.Context, userID int64) (int, error)
	// Depths 各队列深度
	Depths(ctx context.Context) (model.QueueDepths, error)
}

// ConflictStore 冲突记录存储
type ConflictStore interface {
	// Record 写入冲突记录，已存在未解决的同键记录时返回false
	Record(ctx context.Context, conflict *model.SyncConflict) (bool, error)
	Get(ctx context.Context, userID int64, tempID string) (*model.SyncConflict, error)
	List(ctx context.Context, userID int64) ([]*model.SyncConflict, error)
	Delete(ctx context.Context, userID int64, tempID string) error
	Count(ctx context.Context) (int64, error)
}

// CursorStore 同步游标存储
type CursorStore interface {
	// Get 读取设备的上次同步时间，无记录时返回零值
	Get(ctx context.Context, userID int64, deviceID string) (time.Time, error)
	Set(ctx context.Context, userID int64, deviceID string, at time.Time) error
	// TouchLastRequest 记录用户最近一次同步请求时间
	TouchLastRequest(ctx context.Context, userID int64, at time.Time) error
	// StaleUsers 找出超过olderThan未同步的用户，最多返回limit个
	StaleUsers(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error)
}

// PresenceStore 跨进程在线状态存储，本地注册表只负责本进程投递
type PresenceStore interface {
	SetOnline(ctx context.Context, userID int64) error
	SetOffline(ctx context.Context, userID int64) error
	UpdateStatus(ctx context.Context, userID int64, patch *model.StatusPatch) error
	GetPresence(ctx context.Context, userID int64) (*model.UserPresence, error)
	OnlineCount(ctx context.Context) (int64, error)
}

// EventPublisher 领域事件发布（Kafka）
type EventPublisher interface {
	Publish(topic string, key, value []byte) error
}
