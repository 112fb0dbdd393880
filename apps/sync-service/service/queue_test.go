package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"moodchat/apps/sync-service/model"
	"moodchat/pkg/redis"
)

// newRedisQueue 在内嵌Redis上建一个真实队列
func newRedisQueue(t *testing.T) (JobQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = rdb.Close() })
	return NewJobQueue(rdb), mr
}

func taggedJob(userID int64, tag string) *model.SyncJob {
	data, _ := json.Marshal(map[string]string{"tag": tag})
	return &model.SyncJob{
		UserID:    userID,
		Operation: model.OpSyncMessages,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// jobTag 取出任务载荷里的标记
func jobTag(t *testing.T, job *model.SyncJob) string {
	t.Helper()
	if job == nil {
		t.Fatal("期望弹出任务，实际为空")
	}
	var m map[string]string
	if err := json.Unmarshal(job.Data, &m); err != nil {
		t.Fatalf("任务载荷异常: %v", err)
	}
	return m["tag"]
}

// mustDequeue 出队一条任务，队列空或出错时直接失败
func mustDequeue(t *testing.T, q JobQueue) *model.SyncJob {
	t.Helper()
	job, err := q.Dequeue(context.Background(), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("出队失败: %v", err)
	}
	if job == nil {
		t.Fatal("期望弹出任务，队列为空")
	}
	return job
}

// TestQueuePerUserOrder 同一用户按入队顺序出队；
// 用户被占用时其他用户的任务先行，Finish后积压任务继续
func TestQueuePerUserOrder(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, taggedJob(1, "a1"))
	_ = q.Enqueue(ctx, taggedJob(1, "a2"))
	_ = q.Enqueue(ctx, taggedJob(2, "b1"))

	if tag := jobTag(t, mustDequeue(t, q)); tag != "a1" {
		t.Fatalf("用户1的第一条任务应先出队，实际%s", tag)
	}
	// 用户1被占用，下一条弹出的是用户2的任务
	if tag := jobTag(t, mustDequeue(t, q)); tag != "b1" {
		t.Fatalf("用户1被占用时应弹出用户2的任务，实际%s", tag)
	}

	if err := q.Finish(ctx, 1); err != nil {
		t.Fatalf("释放用户失败: %v", err)
	}
	if tag := jobTag(t, mustDequeue(t, q)); tag != "a2" {
		t.Fatalf("Finish后应弹出用户1的积压任务，实际%s", tag)
	}
}

// TestQueueUserHeldUntilFinish Finish之前同一用户不会被再次弹出
func TestQueueUserHeldUntilFinish(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, taggedJob(1, "a1"))
	_ = q.Enqueue(ctx, taggedJob(1, "a2"))

	if tag := jobTag(t, mustDequeue(t, q)); tag != "a1" {
		t.Fatalf("第一条任务异常: %s", tag)
	}
	if job, err := q.Dequeue(ctx, 100*time.Millisecond); err != nil || job != nil {
		t.Fatalf("用户被占用期间不应再弹出任务，实际job=%v err=%v", job, err)
	}

	if err := q.Finish(ctx, 1); err != nil {
		t.Fatalf("释放用户失败: %v", err)
	}
	if tag := jobTag(t, mustDequeue(t, q)); tag != "a2" {
		t.Fatalf("Finish后应弹出第二条任务，实际%s", tag)
	}
	if err := q.Finish(ctx, 1); err != nil {
		t.Fatalf("释放用户失败: %v", err)
	}
	if job, _ := q.Dequeue(ctx, 100*time.Millisecond); job != nil {
		t.Fatalf("积压清空后不应再有任务，实际%+v", job)
	}
}

// TestQueueRecoversJobsFromDeadConsumer 消费者拿到任务后崩溃（不再调Finish）：
// 任务不丢、用户不被永久卡住。排队标记过期后任务被找回，顺序保持
func TestQueueRecoversJobsFromDeadConsumer(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, taggedJob(1, "a1"))
	if tag := jobTag(t, mustDequeue(t, q)); tag != "a1" {
		t.Fatalf("第一条任务异常: %s", tag)
	}

	// 持有者崩溃期间又来了新任务
	_ = q.Enqueue(ctx, taggedJob(1, "a2"))
	if job, _ := q.Dequeue(ctx, 100*time.Millisecond); job != nil {
		t.Fatalf("标记未过期时用户仍被占用，实际弹出%+v", job)
	}
	if n, err := q.ReclaimOrphans(ctx); err != nil || n != 0 {
		t.Fatalf("标记未过期不应找回任务，实际n=%d err=%v", n, err)
	}

	mr.FastForward(model.UserScheduledTTL + time.Second)

	n, err := q.ReclaimOrphans(ctx)
	if err != nil {
		t.Fatalf("找回任务失败: %v", err)
	}
	if n == 0 {
		t.Fatal("标记过期后应找回崩溃持有的任务")
	}

	// 未确认的任务回到队首，晚到的任务排在其后
	if tag := jobTag(t, mustDequeue(t, q)); tag != "a1" {
		t.Fatalf("找回的任务应先出队，实际%s", tag)
	}
	if err := q.Finish(ctx, 1); err != nil {
		t.Fatalf("释放用户失败: %v", err)
	}
	if tag := jobTag(t, mustDequeue(t, q)); tag != "a2" {
		t.Fatalf("后续任务应跟在找回的任务之后，实际%s", tag)
	}
	if err := q.Finish(ctx, 1); err != nil {
		t.Fatalf("释放用户失败: %v", err)
	}
}

// TestQueueReschedulesExpiredBacklog ready里的用户ID丢失
// （实例在弹出用户ID之后、取任务之前崩溃）：标记过期后积压用户被重新排队
func TestQueueReschedulesExpiredBacklog(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, taggedJob(1, "a1"))
	if _, err := mr.Lpop(model.QueueReadyKey); err != nil {
		t.Fatalf("消费ready用户失败: %v", err)
	}
	if job, _ := q.Dequeue(ctx, 100*time.Millisecond); job != nil {
		t.Fatalf("用户ID丢失后任务暂时不可达，实际弹出%+v", job)
	}

	mr.FastForward(model.UserScheduledTTL + time.Second)
	n, err := q.ReclaimOrphans(ctx)
	if err != nil || n == 0 {
		t.Fatalf("标记过期后应重新排队积压用户，实际n=%d err=%v", n, err)
	}
	if tag := jobTag(t, mustDequeue(t, q)); tag != "a1" {
		t.Fatalf("积压任务应被重新投递，实际%s", tag)
	}
}

// TestRetryMovesExactlyOnce 到期重试只被搬运一次：
// 以ZRem成功为准，竞争的搬运者不会把同一任务入队两次
func TestRetryMovesExactlyOnce(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx := context.Background()

	job := taggedJob(1, "r1")
	job.RetryCount = 1
	if err := q.Requeue(ctx, job, 0); err != nil {
		t.Fatalf("重排任务失败: %v", err)
	}

	moved, err := q.MoveDueRetries(ctx)
	if err != nil || moved != 1 {
		t.Fatalf("首次搬运应移动1条，实际moved=%d err=%v", moved, err)
	}
	moved, err = q.MoveDueRetries(ctx)
	if err != nil || moved != 0 {
		t.Fatalf("重复搬运不应再移动任务，实际moved=%d err=%v", moved, err)
	}

	got := mustDequeue(t, q)
	if jobTag(t, got) != "r1" || got.RetryCount != 1 {
		t.Fatalf("重试任务内容异常: %+v", got)
	}
	if err := q.Finish(ctx, 1); err != nil {
		t.Fatalf("释放用户失败: %v", err)
	}
	if job, _ := q.Dequeue(ctx, 100*time.Millisecond); job != nil {
		t.Fatalf("任务不应被入队两次，实际弹出%+v", job)
	}
}

// TestDeadLetterRequeueResetsRetryCount 死信重放重置重试计数并回到主队列
func TestDeadLetterRequeueResetsRetryCount(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx := context.Background()

	job := taggedJob(1, "d1")
	job.RetryCount = 5
	if err := q.DeadLetter(ctx, job, "retry limit exceeded"); err != nil {
		t.Fatalf("写死信失败: %v", err)
	}

	records, err := q.DeadLetters(ctx, 1)
	if err != nil || len(records) != 1 {
		t.Fatalf("应有1条死信，实际%d err=%v", len(records), err)
	}

	n, err := q.RequeueDeadLetters(ctx, 1)
	if err != nil || n != 1 {
		t.Fatalf("应重放1条死信，实际n=%d err=%v", n, err)
	}
	got := mustDequeue(t, q)
	if jobTag(t, got) != "d1" {
		t.Fatalf("重放的任务内容异常: %+v", got)
	}
	if got.RetryCount != 0 {
		t.Errorf("重放应重置重试计数，实际%d", got.RetryCount)
	}
}
