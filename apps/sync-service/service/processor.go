package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"moodchat/apps/sync-service/dao"
	"moodchat/apps/sync-service/model"
	"moodchat/pkg/logger"
	"moodchat/pkg/snowflake"
	"moodchat/pkg/telemetry"
)

// 单次同步最多下发的消息数，超出部分留给下一次同步
const unsyncedMessageLimit = 500

// ProcessorConfig 任务处理器参数
type ProcessorConfig struct {
	Workers      int
	MaxRetries   int
	PopTimeout   time.Duration
	StaleAfter   time.Duration
	StaleBatch   int
	DrainTimeout time.Duration
}

// Processor 同步任务处理器。
// 固定数量的worker从队列消费任务，队列空闲时做维护工作
// （搬运到期重试、扫描长期未同步用户）
type Processor struct {
	queue      JobQueue
	cursors    CursorStore
	conflicts  *ConflictManager
	presence   PresenceStore
	fanout     *FanoutService
	messageDAO dao.MessageDAO
	chatDAO    dao.ChatDAO
	userDAO    dao.UserDAO
	mediaDAO   dao.MediaDAO
	idGen      *snowflake.Snowflake
	cfg        ProcessorConfig
	log        logger.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc

	scanMu   sync.Mutex
	lastScan time.Time
}

// NewProcessor 创建任务处理器
func NewProcessor(
	queue JobQueue,
	cursors CursorStore,
	conflicts *ConflictManager,
	presence PresenceStore,
	fanout *FanoutService,
	messageDAO dao.MessageDAO,
	chatDAO dao.ChatDAO,
	userDAO dao.UserDAO,
	mediaDAO dao.MediaDAO,
	idGen *snowflake.Snowflake,
	cfg ProcessorConfig,
	log logger.Logger,
) *Processor {
	return &Processor{
		queue:      queue,
		cursors:    cursors,
		conflicts:  conflicts,
		presence:   presence,
		fanout:     fanout,
		messageDAO: messageDAO,
		chatDAO:    chatDAO,
		userDAO:    userDAO,
		mediaDAO:   mediaDAO,
		idGen:      idGen,
		cfg:        cfg,
		log:        log,
	}
}

// Workers 配置的worker数量
func (p *Processor) Workers() int {
	return p.cfg.Workers
}

// Start 启动所有worker，先找回上个进程留下的未确认任务
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.reclaimOrphans(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
	p.log.Info(ctx, "同步处理器已启动", logger.F("workers", p.cfg.Workers))
}

// Stop 停止处理器，等待在途任务完成，最长等待DrainTimeout
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		p.log.Warn(context.Background(), "排空超时，放弃等待在途任务")
	}
}

func (p *Processor) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()

	for ctx.Err() == nil {
		job, err := p.queue.Dequeue(ctx, p.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error(ctx, "出队失败", logger.F("worker", id), logger.F("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			p.maintain(ctx)
			continue
		}

		p.process(ctx, job)

		if err := p.queue.Finish(ctx, job.UserID); err != nil {
			p.log.Error(ctx, "释放用户失败",
				logger.F("userID", job.UserID),
				logger.F("error", err.Error()))
		}
	}
}

// maintain 队列空闲时的维护工作。
// 扫描类工作频率限制为StaleAfter的一半，避免多个worker重复扫描
func (p *Processor) maintain(ctx context.Context) {
	if moved, err := p.queue.MoveDueRetries(ctx); err != nil {
		p.log.Error(ctx, "搬运重试任务失败", logger.F("error", err.Error()))
	} else if moved > 0 {
		p.log.Info(ctx, "重试任务已回队", logger.F("count", moved))
	}

	p.scanMu.Lock()
	if time.Since(p.lastScan) < p.cfg.StaleAfter/2 {
		p.scanMu.Unlock()
		return
	}
	p.lastScan = time.Now()
	p.scanMu.Unlock()

	p.reclaimOrphans(ctx)
	p.scanStaleUsers(ctx)
}

// reclaimOrphans 找回崩溃消费者留下的未确认任务
func (p *Processor) reclaimOrphans(ctx context.Context) {
	if n, err := p.queue.ReclaimOrphans(ctx); err != nil {
		p.log.Error(ctx, "找回未确认任务失败", logger.F("error", err.Error()))
	} else if n > 0 {
		p.log.Info(ctx, "未确认任务已重新排队", logger.F("users", n))
	}
}

// scanStaleUsers 扫描长期未同步的用户，主动为其排一次消息同步
func (p *Processor) scanStaleUsers(ctx context.Context) {
	users, err := p.cursors.StaleUsers(ctx, p.cfg.StaleAfter, p.cfg.StaleBatch)
	if err != nil {
		p.log.Error(ctx, "扫描陈旧用户失败", logger.F("error", err.Error()))
		return
	}

	for _, uid := range users {
		payload, _ := json.Marshal(&model.SyncMessagesPayload{})
		job := &model.SyncJob{
			UserID:    uid,
			Operation: model.OpSyncMessages,
			Data:      payload,
			Timestamp: time.Now(),
		}
		// 先刷新请求时间，失败的入队不会让用户被反复扫到
		if err := p.cursors.TouchLastRequest(ctx, uid, time.Now()); err != nil {
			continue
		}
		if err := p.queue.Enqueue(ctx, job); err != nil {
			p.log.Error(ctx, "陈旧用户补同步入队失败",
				logger.F("userID", uid),
				logger.F("error", err.Error()))
		}
	}
	if len(users) > 0 {
		p.log.Info(ctx, "已为陈旧用户排补同步", logger.F("count", len(users)))
	}
}

// process 处理一条任务并决定其归宿：
// 成功结束、可重试错误按指数退避重排、永久错误进死信
func (p *Processor) process(ctx context.Context, job *model.SyncJob) {
	ctx, span := telemetry.StartSpan(ctx, "sync.process",
		trace.WithAttributes(
			attribute.Int64("sync.user_id", job.UserID),
			attribute.String("sync.operation", job.Operation),
			attribute.Int("sync.retry_count", job.RetryCount),
		))
	defer span.End()

	err := p.dispatch(ctx, job)
	if err == nil {
		return
	}
	span.RecordError(err)

	if !dao.IsTransient(err) {
		p.log.Warn(ctx, "任务永久失败，写入死信",
			logger.F("userID", job.UserID),
			logger.F("operation", job.Operation),
			logger.F("error", err.Error()))
		if dlErr := p.queue.DeadLetter(ctx, job, err.Error()); dlErr != nil {
			p.log.Error(ctx, "写死信失败", logger.F("error", dlErr.Error()))
		}
		return
	}

	if job.RetryCount >= p.cfg.MaxRetries {
		reason := fmt.Sprintf("retry limit exceeded after %d attempts: %v", job.RetryCount, err)
		p.log.Warn(ctx, "任务超过重试上限，写入死信",
			logger.F("userID", job.UserID),
			logger.F("operation", job.Operation),
			logger.F("retries", job.RetryCount))
		if dlErr := p.queue.DeadLetter(ctx, job, reason); dlErr != nil {
			p.log.Error(ctx, "写死信失败", logger.F("error", dlErr.Error()))
		}
		return
	}

	job.RetryCount++
	delay := time.Duration(1<<uint(job.RetryCount)) * time.Second
	p.log.Info(ctx, "任务将延迟重试",
		logger.F("userID", job.UserID),
		logger.F("operation", job.Operation),
		logger.F("retry", job.RetryCount),
		logger.F("delay", delay.String()))
	if rqErr := p.queue.Requeue(ctx, job, delay); rqErr != nil {
		p.log.Error(ctx, "重排任务失败", logger.F("error", rqErr.Error()))
	}
}

// dispatch 按操作类型分发，panic被兜住按永久失败处理
func (p *Processor) dispatch(ctx context.Context, job *model.SyncJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing %s: %v", job.Operation, r)
		}
	}()

	switch job.Operation {
	case model.OpSyncMessages:
		return p.handleSyncMessages(ctx, job)
	case model.OpSyncChats:
		return p.handleSyncChats(ctx, job)
	case model.OpUpdateStatus:
		return p.handleUpdateStatus(ctx, job)
	case model.OpSyncMedia:
		return p.handleSyncMedia(ctx, job)
	case model.OpResolveConflict:
		return p.handleResolveConflict(ctx, job)
	default:
		return fmt.Errorf("unknown operation: %s", job.Operation)
	}
}

// handleSyncMessages 双向消息同步：
// 先落库客户端待发消息（重复提交转冲突）和已读回执，
// 再按游标拉取服务端新消息，最后推进游标并回推结果
func (p *Processor) handleSyncMessages(ctx context.Context, job *model.SyncJob) error {
	var payload model.SyncMessagesPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return fmt.Errorf("malformed sync_messages payload: %v", err)
	}

	since := payload.LastSyncTime
	if since.IsZero() {
		cursor, err := p.cursors.Get(ctx, job.UserID, job.DeviceID)
		if err != nil {
			return dao.Transient(err)
		}
		since = cursor
	}

	result := &model.SyncMessagesResult{
		IDMapping: make(map[string]int64),
		Conflicts: []string{},
	}

	for i := range payload.PendingMessages {
		pending := &payload.PendingMessages[i]
		if pending.TempID == "" {
			return fmt.Errorf("pending message missing temp id")
		}
		messageID, conflicted, err := p.ingestPendingMessage(ctx, job, pending)
		if err != nil {
			return err
		}
		if conflicted {
			result.Conflicts = append(result.Conflicts, pending.TempID)
			continue
		}
		result.IDMapping[pending.TempID] = messageID
	}

	for _, receipt := range payload.ReadReceipts {
		err := p.messageDAO.MarkMessageAsRead(ctx, receipt.MessageID, job.UserID, receipt.ReadAt)
		if dao.IsNotFound(err) {
			// 回执指向的消息可能已被清理，跳过
			continue
		}
		if err != nil {
			return err
		}
	}

	messages, err := p.messageDAO.GetUnsyncedMessages(ctx, job.UserID, since, unsyncedMessageLimit)
	if err != nil {
		return err
	}
	result.Messages = messages
	result.SyncedAt = time.Now()

	// 游标推进到本批最后一条消息，后续消息下次同步继续拉
	cursorAt := result.SyncedAt
	if len(messages) == unsyncedMessageLimit {
		cursorAt = messages[len(messages)-1].CreatedAt
	}
	if job.DeviceID != "" {
		if err := p.cursors.Set(ctx, job.UserID, job.DeviceID, cursorAt); err != nil {
			return dao.Transient(err)
		}
	}

	p.fanout.SendSyncResult(ctx, job.UserID, job.DeviceID, model.OpSyncMessages, result)
	return nil
}

// ingestPendingMessage 落库一条客户端待发消息。
// 临时ID已存在时登记冲突而不是覆盖，返回conflicted=true
func (p *Processor) ingestPendingMessage(ctx context.Context, job *model.SyncJob, pending *model.PendingMessage) (int64, bool, error) {
	existing, err := p.messageDAO.GetMessageByTempID(ctx, job.UserID, pending.TempID)
	if err != nil && !dao.IsNotFound(err) {
		return 0, false, err
	}
	if existing != nil {
		if err := p.conflicts.RecordDuplicate(ctx, job.UserID, job.DeviceID, pending, existing); err != nil {
			return 0, false, err
		}
		return 0, true, nil
	}

	recipients, err := p.chatDAO.GetChatMemberIDs(ctx, pending.ChatID)
	if err != nil {
		return 0, false, err
	}
	if len(recipients) == 0 {
		return 0, false, fmt.Errorf("chat %d has no members", pending.ChatID)
	}

	msg := &model.Message{
		MessageID:    p.idGen.Generate(),
		ChatID:       pending.ChatID,
		SenderID:     job.UserID,
		RecipientIDs: recipients,
		TempID:       pending.TempID,
		Content:      pending.Content,
		MediaURL:     pending.MediaURL,
		CreatedAt:    time.Now(),
	}
	if err := p.messageDAO.CreateMessage(ctx, msg); err != nil {
		if dao.IsTransient(err) {
			return 0, false, err
		}
		// 唯一索引兜底命中，并发重复提交转冲突流程
		existing, getErr := p.messageDAO.GetMessageByTempID(ctx, job.UserID, pending.TempID)
		if getErr != nil {
			return 0, false, getErr
		}
		if cErr := p.conflicts.RecordDuplicate(ctx, job.UserID, job.DeviceID, pending, existing); cErr != nil {
			return 0, false, cErr
		}
		return 0, true, nil
	}

	p.fanout.NotifyNewMessage(ctx, msg, job.DeviceID)
	return msg.MessageID, false, nil
}

// handleSyncChats 会话列表同步：先应用客户端已读位置，再下发变更的会话
func (p *Processor) handleSyncChats(ctx context.Context, job *model.SyncJob) error {
	var payload model.SyncChatsPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return fmt.Errorf("malformed sync_chats payload: %v", err)
	}

	for _, ptr := range payload.LastRead {
		if err := p.chatDAO.UpdateLastRead(ctx, ptr.ChatID, job.UserID, ptr.ReadAt); err != nil {
			return err
		}
	}

	chats, err := p.chatDAO.GetUpdatedChats(ctx, job.UserID, payload.LastSyncTime)
	if err != nil {
		return err
	}

	result := &model.SyncChatsResult{
		Chats:    chats,
		SyncedAt: time.Now(),
	}
	p.fanout.SendSyncResult(ctx, job.UserID, job.DeviceID, model.OpSyncChats, result)
	return nil
}

// handleUpdateStatus 状态变更：持久化、刷新在线状态缓存、广播给好友
func (p *Processor) handleUpdateStatus(ctx context.Context, job *model.SyncJob) error {
	var payload model.UpdateStatusPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return fmt.Errorf("malformed update_status payload: %v", err)
	}
	if !validStatus(payload.Status) {
		return fmt.Errorf("invalid status: %s", payload.Status)
	}

	if err := p.userDAO.UpdateUserStatus(ctx, job.UserID, &payload.StatusPatch); err != nil {
		if dao.IsNotFound(err) {
			return fmt.Errorf("user %d not found", job.UserID)
		}
		return err
	}
	if err := p.presence.UpdateStatus(ctx, job.UserID, &payload.StatusPatch); err != nil {
		return dao.Transient(err)
	}

	presence, err := p.presence.GetPresence(ctx, job.UserID)
	if err != nil {
		return dao.Transient(err)
	}
	p.fanout.NotifyPresenceChange(ctx, presence)
	return nil
}

func validStatus(status string) bool {
	switch status {
	case model.StatusOnline, model.StatusAway, model.StatusBusy, model.StatusOffline, model.StatusCustom:
		return true
	}
	return false
}

// handleSyncMedia 媒体任务补偿：逐项处理，单项失败不影响其他项
func (p *Processor) handleSyncMedia(ctx context.Context, job *model.SyncJob) error {
	var payload model.SyncMediaPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return fmt.Errorf("malformed sync_media payload: %v", err)
	}

	items, err := p.mediaDAO.ListPendingMedia(ctx, job.UserID, job.DeviceID, payload.ItemIDs)
	if err != nil {
		return err
	}

	result := &model.SyncMediaResult{
		Items:    make([]model.MediaItemResult, 0, len(items)),
		SyncedAt: time.Now(),
	}
	for _, item := range items {
		itemResult := model.MediaItemResult{ItemID: item.ItemID, OK: true}
		if item.URL == "" {
			itemResult.OK = false
			itemResult.Reason = "missing media url"
			if err := p.mediaDAO.FailMediaItem(ctx, item.ItemID, itemResult.Reason); err != nil {
				p.log.Warn(ctx, "标记媒体项失败出错",
					logger.F("itemID", item.ItemID),
					logger.F("error", err.Error()))
			}
		} else if err := p.mediaDAO.CompleteMediaItem(ctx, item.ItemID); err != nil {
			itemResult.OK = false
			itemResult.Reason = err.Error()
		}
		result.Items = append(result.Items, itemResult)
	}

	p.fanout.SendSyncResult(ctx, job.UserID, job.DeviceID, model.OpSyncMedia, result)
	return nil
}

// handleResolveConflict 用户选定解决方式后应用冲突解决
func (p *Processor) handleResolveConflict(ctx context.Context, job *model.SyncJob) error {
	var payload model.ResolveConflictPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return fmt.Errorf("malformed resolve_conflict payload: %v", err)
	}
	if payload.TempID == "" || payload.Resolution == "" {
		return fmt.Errorf("resolve_conflict requires tempId and resolution")
	}
	return p.conflicts.Resolve(ctx, job.UserID, payload.TempID, payload.Resolution)
}
