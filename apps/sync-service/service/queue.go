package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"moodchat/apps/sync-service/model"
	"moodchat/pkg/redis"
)

// redisJobQueue 基于Redis的同步任务队列。
// 每个用户一条FIFO列表存任务本体，ready列表只存用户ID；
// sched标记保证一个用户同一时刻最多出现在ready列表一次，
// 从而实现同一用户严格串行、不同用户自由并发。
// 出队不删除任务，而是移进用户的inflight列表，Finish确认后才真正移除；
// 持有者崩溃时sched标记到期，ReclaimOrphans把inflight任务塞回队首重新排队
type redisJobQueue struct {
	rdb *redis.RedisClient
}

// NewJobQueue 创建同步任务队列
func NewJobQueue(rdb *redis.RedisClient) JobQueue {
	return &redisJobQueue{rdb: rdb}
}

func userJobsKey(userID int64) string {
	return fmt.Sprintf(model.UserJobsKeyFmt, userID)
}

func schedKey(userID int64) string {
	return fmt.Sprintf(model.UserScheduledFmt, userID)
}

func inflightKey(userID int64) string {
	return fmt.Sprintf(model.InflightKeyFmt, userID)
}

func deadLetterKey(userID int64) string {
	return fmt.Sprintf(model.DeadLetterKeyFmt, userID)
}

// keyUserID 从"prefix:{userID}"形式的key里解出用户ID
func keyUserID(key, prefix string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Enqueue 任务追加到用户列表尾部，用户未在排队时加入ready列表
func (q *redisJobQueue) Enqueue(ctx context.Context, job *model.SyncJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %v", err)
	}
	if err := q.rdb.RPush(ctx, userJobsKey(job.UserID), body); err != nil {
		return fmt.Errorf("failed to push job: %v", err)
	}
	return q.scheduleUser(ctx, job.UserID)
}

// scheduleUser 把用户加入ready列表，已在排队或处理中时跳过。
// 标记带过期时间，持有者崩溃后不会永久卡住这个用户
func (q *redisJobQueue) scheduleUser(ctx context.Context, userID int64) error {
	ok, err := q.rdb.SetNX(ctx, schedKey(userID), 1, model.UserScheduledTTL)
	if err != nil {
		return fmt.Errorf("failed to mark user scheduled: %v", err)
	}
	if !ok {
		return nil
	}
	if err := q.rdb.RPush(ctx, model.QueueReadyKey, userID); err != nil {
		return fmt.Errorf("failed to push ready user: %v", err)
	}
	return nil
}

// Dequeue 弹出下一个待处理用户的队首任务。
// 返回后该用户被独占，Finish之前不会再被其他消费者弹出
func (q *redisJobQueue) Dequeue(ctx context.Context, timeout time.Duration) (*model.SyncJob, error) {
	vals, err := q.rdb.BLPop(ctx, timeout, model.QueueReadyKey)
	if redis.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop ready user: %v", err)
	}
	// BLPop返回[key, value]
	userID, err := strconv.ParseInt(vals[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid user id in ready queue: %v", err)
	}
	// 处理期间持有排队标记，续期避免任务在手上时标记过期
	if err := q.rdb.Expire(ctx, schedKey(userID), model.UserScheduledTTL); err != nil {
		return nil, fmt.Errorf("failed to extend scheduled mark: %v", err)
	}

	// 任务移进inflight列表而不是直接删除，Finish确认前崩溃可以找回
	body, err := q.rdb.LMove(ctx, userJobsKey(userID), inflightKey(userID), "LEFT", "RIGHT")
	if redis.IsNil(err) {
		// 用户列表已空（死信人工清理等），释放排队标记
		if ferr := q.Finish(ctx, userID); ferr != nil {
			return nil, ferr
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop job: %v", err)
	}

	var job model.SyncJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		// 反序列化失败的任务无法归属到处理流程，直接进死信
		record, _ := json.Marshal(&model.DeadLetterRecord{
			Reason:   fmt.Sprintf("malformed job payload: %v", err),
			FailedAt: time.Now(),
		})
		_ = q.rdb.RPush(ctx, deadLetterKey(userID), record)
		if ferr := q.Finish(ctx, userID); ferr != nil {
			return nil, ferr
		}
		return nil, nil
	}
	return &job, nil
}

// Finish 任务处理结束：确认并丢弃inflight任务，
// 用户还有积压时重新排队，否则释放排队标记。
// 释放后重查一次列表长度，补救Del与并发Enqueue之间的窗口
func (q *redisJobQueue) Finish(ctx context.Context, userID int64) error {
	if err := q.rdb.Del(ctx, inflightKey(userID)); err != nil {
		return fmt.Errorf("failed to ack inflight job: %v", err)
	}

	depth, err := q.rdb.LLen(ctx, userJobsKey(userID))
	if err != nil {
		return fmt.Errorf("failed to check backlog: %v", err)
	}
	if depth > 0 {
		if err := q.rdb.Expire(ctx, schedKey(userID), model.UserScheduledTTL); err != nil {
			return fmt.Errorf("failed to extend scheduled mark: %v", err)
		}
		if err := q.rdb.RPush(ctx, model.QueueReadyKey, userID); err != nil {
			return fmt.Errorf("failed to requeue ready user: %v", err)
		}
		return nil
	}

	if err := q.rdb.Del(ctx, schedKey(userID)); err != nil {
		return fmt.Errorf("failed to clear scheduled mark: %v", err)
	}
	depth, err = q.rdb.LLen(ctx, userJobsKey(userID))
	if err != nil {
		return fmt.Errorf("failed to recheck backlog: %v", err)
	}
	if depth > 0 {
		return q.scheduleUser(ctx, userID)
	}
	return nil
}

// Requeue 任务延迟重试，到期前不占用消费协程
func (q *redisJobQueue) Requeue(ctx context.Context, job *model.SyncJob, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %v", err)
	}
	visibleAt := float64(time.Now().Add(delay).Unix())
	if err := q.rdb.ZAdd(ctx, model.RetryQueueKey, &goredis.Z{Score: visibleAt, Member: body}); err != nil {
		return fmt.Errorf("failed to schedule retry: %v", err)
	}
	return nil
}

// MoveDueRetries 把到期的重试任务移回主队列，返回移动数量
func (q *redisJobQueue) MoveDueRetries(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, model.RetryQueueKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: now,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan retry queue: %v", err)
	}

	moved := 0
	for _, body := range members {
		removed, err := q.rdb.ZRem(ctx, model.RetryQueueKey, body)
		if err != nil {
			return moved, fmt.Errorf("failed to remove retry member: %v", err)
		}
		if removed == 0 {
			// 并发的搬运者抢先移走了这条，谁移除成功谁入队
			continue
		}
		var job model.SyncJob
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			continue
		}
		if err := q.Enqueue(ctx, &job); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// ReclaimOrphans 找回崩溃持有者留下的任务。
// 排队标记已过期但inflight里还有任务的用户，任务塞回队首重新排队；
// 标记过期但列表仍有积压的用户一并重新排队。返回涉及的用户数
func (q *redisJobQueue) ReclaimOrphans(ctx context.Context) (int, error) {
	reclaimed := 0

	inflightKeys, err := q.rdb.Keys(ctx, model.InflightPattern)
	if err != nil {
		return 0, fmt.Errorf("failed to scan inflight jobs: %v", err)
	}
	for _, key := range inflightKeys {
		userID, ok := keyUserID(key, "sync:inflight:")
		if !ok {
			continue
		}
		held, err := q.rdb.Exists(ctx, schedKey(userID))
		if err != nil {
			return reclaimed, fmt.Errorf("failed to check scheduled mark: %v", err)
		}
		if held > 0 {
			// 标记还在，持有者仍在处理
			continue
		}
		bodies, err := q.rdb.LRange(ctx, key, 0, -1)
		if err != nil {
			return reclaimed, fmt.Errorf("failed to read inflight jobs: %v", err)
		}
		// 逆序塞回队首，保持原有顺序
		for i := len(bodies) - 1; i >= 0; i-- {
			if err := q.rdb.LPush(ctx, userJobsKey(userID), bodies[i]); err != nil {
				return reclaimed, fmt.Errorf("failed to restore inflight job: %v", err)
			}
		}
		if err := q.rdb.Del(ctx, key); err != nil {
			return reclaimed, fmt.Errorf("failed to drop inflight list: %v", err)
		}
		if err := q.scheduleUser(ctx, userID); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}

	// 标记过期后入队的任务还躺在用户列表里，补一次排队
	jobKeys, err := q.rdb.Keys(ctx, model.UserJobsKeyPattern)
	if err != nil {
		return reclaimed, fmt.Errorf("failed to scan job queues: %v", err)
	}
	for _, key := range jobKeys {
		userID, ok := keyUserID(key, "sync:jobs:")
		if !ok {
			continue
		}
		depth, err := q.rdb.LLen(ctx, key)
		if err != nil {
			return reclaimed, fmt.Errorf("failed to check backlog: %v", err)
		}
		if depth == 0 {
			continue
		}
		held, err := q.rdb.Exists(ctx, schedKey(userID))
		if err != nil {
			return reclaimed, fmt.Errorf("failed to check scheduled mark: %v", err)
		}
		if held > 0 {
			continue
		}
		if err := q.scheduleUser(ctx, userID); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// DeadLetter 任务写入用户死信列表，不再自动重试
func (q *redisJobQueue) DeadLetter(ctx context.Context, job *model.SyncJob, reason string) error {
	record := &model.DeadLetterRecord{
		Job:      job,
		Reason:   reason,
		FailedAt: time.Now(),
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %v", err)
	}
	if err := q.rdb.RPush(ctx, deadLetterKey(job.UserID), body); err != nil {
		return fmt.Errorf("failed to push dead letter: %v", err)
	}
	return nil
}

// DeadLetters 读取用户的全部死信记录
func (q *redisJobQueue) DeadLetters(ctx context.Context, userID int64) ([]*model.DeadLetterRecord, error) {
	bodies, err := q.rdb.LRange(ctx, deadLetterKey(userID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %v", err)
	}

	records := make([]*model.DeadLetterRecord, 0, len(bodies))
	for _, body := range bodies {
		var record model.DeadLetterRecord
		if err := json.Unmarshal([]byte(body), &record); err != nil {
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

// RequeueDeadLetters 人工干预：死信重置重试计数后重新入队
func (q *redisJobQueue) RequeueDeadLetters(ctx context.Context, userID int64) (int, error) {
	requeued := 0
	for {
		body, err := q.rdb.LPop(ctx, deadLetterKey(userID))
		if redis.IsNil(err) {
			return requeued, nil
		}
		if err != nil {
			return requeued, fmt.Errorf("failed to pop dead letter: %v", err)
		}

		var record model.DeadLetterRecord
		if err := json.Unmarshal([]byte(body), &record); err != nil || record.Job == nil {
			continue
		}
		record.Job.RetryCount = 0
		if err := q.Enqueue(ctx, record.Job); err != nil {
			return requeued, err
		}
		requeued++
	}
}

// Depths 各队列深度，冲突数由冲突存储补充
func (q *redisJobQueue) Depths(ctx context.Context) (model.QueueDepths, error) {
	var depths model.QueueDepths

	jobKeys, err := q.rdb.Keys(ctx, model.UserJobsKeyPattern)
	if err != nil {
		return depths, fmt.Errorf("failed to scan job queues: %v", err)
	}
	for _, key := range jobKeys {
		n, err := q.rdb.LLen(ctx, key)
		if err != nil {
			return depths, fmt.Errorf("failed to measure queue %s: %v", key, err)
		}
		depths.Queued += n
	}

	depths.Retry, err = q.rdb.ZCard(ctx, model.RetryQueueKey)
	if err != nil {
		return depths, fmt.Errorf("failed to measure retry queue: %v", err)
	}

	dlKeys, err := q.rdb.Keys(ctx, model.DeadLetterPattern)
	if err != nil {
		return depths, fmt.Errorf("failed to scan dead letters: %v", err)
	}
	for _, key := range dlKeys {
		n, err := q.rdb.LLen(ctx, key)
		if err != nil {
			return depths, fmt.Errorf("failed to measure dead letters %s: %v", key, err)
		}
		depths.DeadLetter += n
	}
	return depths, nil
}
