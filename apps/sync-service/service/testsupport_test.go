package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"moodchat/apps/sync-service/dao"
	"moodchat/apps/sync-service/model"
	"moodchat/pkg/logger"
	"moodchat/pkg/snowflake"
)

// fakeConn 记录下行事件的连接桩
type fakeConn struct {
	mu     sync.Mutex
	events []model.ServerEvent
	closed bool
	fail   bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("write failed")
	}
	if ev, ok := v.(model.ServerEvent); ok {
		f.events = append(f.events, ev)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		names = append(names, ev.Event)
	}
	return names
}

func (f *fakeConn) countEvent(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Event == name {
			n++
		}
	}
	return n
}

// memQueue 内存版任务队列，只记录处理器对队列的动作
type memQueue struct {
	mu       sync.Mutex
	jobs     []*model.SyncJob
	retries  []*model.SyncJob
	delays   []time.Duration
	dead     map[int64][]*model.DeadLetterRecord
	finished []int64
}

func newMemQueue() *memQueue {
	return &memQueue{dead: make(map[int64][]*model.DeadLetterRecord)}
}

func (q *memQueue) Enqueue(_ context.Context, job *model.SyncJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) Dequeue(_ context.Context, _ time.Duration) (*model.SyncJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

func (q *memQueue) Finish(_ context.Context, userID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finished = append(q.finished, userID)
	return nil
}

func (q *memQueue) Requeue(_ context.Context, job *model.SyncJob, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries = append(q.retries, job)
	q.delays = append(q.delays, delay)
	return nil
}

func (q *memQueue) MoveDueRetries(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := len(q.retries)
	q.jobs = append(q.jobs, q.retries...)
	q.retries = nil
	return moved, nil
}

func (q *memQueue) ReclaimOrphans(_ context.Context) (int, error) {
	// 内存队列随进程消亡，没有可找回的任务
	return 0, nil
}

func (q *memQueue) DeadLetter(_ context.Context, job *model.SyncJob, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead[job.UserID] = append(q.dead[job.UserID], &model.DeadLetterRecord{
		Job:      job,
		Reason:   reason,
		FailedAt: time.Now(),
	})
	return nil
}

func (q *memQueue) DeadLetters(_ context.Context, userID int64) ([]*model.DeadLetterRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dead[userID], nil
}

func (q *memQueue) RequeueDeadLetters(_ context.Context, userID int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead[userID])
	for _, rec := range q.dead[userID] {
		rec.Job.RetryCount = 0
		q.jobs = append(q.jobs, rec.Job)
	}
	delete(q.dead, userID)
	return n, nil
}

func (q *memQueue) Depths(_ context.Context) (model.QueueDepths, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var depths model.QueueDepths
	depths.Queued = int64(len(q.jobs))
	depths.Retry = int64(len(q.retries))
	for _, recs := range q.dead {
		depths.DeadLetter += int64(len(recs))
	}
	return depths, nil
}

func (q *memQueue) deadCount(userID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead[userID])
}

// memConflictStore 内存版冲突存储
type memConflictStore struct {
	mu        sync.Mutex
	conflicts map[string]*model.SyncConflict
}

func newMemConflictStore() *memConflictStore {
	return &memConflictStore{conflicts: make(map[string]*model.SyncConflict)}
}

func conflictMapKey(userID int64, tempID string) string {
	return fmt.Sprintf("%d:%s", userID, tempID)
}

func (s *memConflictStore) Record(_ context.Context, conflict *model.SyncConflict) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := conflictMapKey(conflict.UserID, conflict.TempID)
	if _, ok := s.conflicts[key]; ok {
		return false, nil
	}
	s.conflicts[key] = conflict
	return true, nil
}

func (s *memConflictStore) Get(_ context.Context, userID int64, tempID string) (*model.SyncConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflicts[conflictMapKey(userID, tempID)], nil
}

func (s *memConflictStore) List(_ context.Context, userID int64) ([]*model.SyncConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.SyncConflict
	for _, c := range s.conflicts {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memConflictStore) Delete(_ context.Context, userID int64, tempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conflicts, conflictMapKey(userID, tempID))
	return nil
}

func (s *memConflictStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.conflicts)), nil
}

// memCursorStore 内存版游标存储
type memCursorStore struct {
	mu      sync.Mutex
	cursors map[string]time.Time
	lastReq map[int64]time.Time
}

func newMemCursorStore() *memCursorStore {
	return &memCursorStore{
		cursors: make(map[string]time.Time),
		lastReq: make(map[int64]time.Time),
	}
}

func (s *memCursorStore) Get(_ context.Context, userID int64, deviceID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[fmt.Sprintf("%d:%s", userID, deviceID)], nil
}

func (s *memCursorStore) Set(_ context.Context, userID int64, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[fmt.Sprintf("%d:%s", userID, deviceID)] = at
	return nil
}

func (s *memCursorStore) TouchLastRequest(_ context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReq[userID] = at
	return nil
}

func (s *memCursorStore) StaleUsers(_ context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []int64
	for uid, at := range s.lastReq {
		if len(out) >= limit {
			break
		}
		if at.Before(cutoff) {
			out = append(out, uid)
		}
	}
	return out, nil
}

// memPresenceStore 内存版在线状态存储
type memPresenceStore struct {
	mu       sync.Mutex
	presence map[int64]*model.UserPresence
}

func newMemPresenceStore() *memPresenceStore {
	return &memPresenceStore{presence: make(map[int64]*model.UserPresence)}
}

func (s *memPresenceStore) get(userID int64) *model.UserPresence {
	p, ok := s.presence[userID]
	if !ok {
		p = &model.UserPresence{UserID: userID, Status: model.StatusOffline}
		s.presence[userID] = p
	}
	return p
}

func (s *memPresenceStore) SetOnline(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.get(userID)
	p.Online = true
	p.LastActiveAt = time.Now()
	return nil
}

func (s *memPresenceStore) SetOffline(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.get(userID)
	p.Online = false
	p.LastActiveAt = time.Now()
	return nil
}

func (s *memPresenceStore) UpdateStatus(_ context.Context, userID int64, patch *model.StatusPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.get(userID)
	p.Status = patch.Status
	p.StatusText = patch.StatusText
	p.StatusEmoji = patch.StatusEmoji
	p.ExpiresAt = patch.ExpiresAt
	return nil
}

func (s *memPresenceStore) GetPresence(_ context.Context, userID int64) (*model.UserPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.get(userID)
	copied := *p
	return &copied, nil
}

func (s *memPresenceStore) OnlineCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.presence {
		if p.Online {
			n++
		}
	}
	return n, nil
}

// memMessageDAO 内存版消息DAO
type memMessageDAO struct {
	mu        sync.Mutex
	messages  []*model.Message
	byTempID  map[string]*model.Message
	reads     map[int64][]model.ReadRecord
	createErr error // 下一次CreateMessage返回的错误
}

func newMemMessageDAO() *memMessageDAO {
	return &memMessageDAO{
		byTempID: make(map[string]*model.Message),
		reads:    make(map[int64][]model.ReadRecord),
	}
}

func (d *memMessageDAO) GetUnsyncedMessages(_ context.Context, userID int64, since time.Time, limit int) ([]*model.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.Message
	for _, msg := range d.messages {
		if !msg.CreatedAt.After(since) {
			continue
		}
		for _, rid := range msg.RecipientIDs {
			if rid == userID {
				out = append(out, msg)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (d *memMessageDAO) CreateMessage(_ context.Context, msg *model.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		err := d.createErr
		d.createErr = nil
		return err
	}
	d.messages = append(d.messages, msg)
	if msg.TempID != "" {
		d.byTempID[fmt.Sprintf("%d:%s", msg.SenderID, msg.TempID)] = msg
	}
	return nil
}

func (d *memMessageDAO) GetMessageByTempID(_ context.Context, userID int64, tempID string) (*model.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg, ok := d.byTempID[fmt.Sprintf("%d:%s", userID, tempID)]
	if !ok {
		return nil, dao.ErrNotFound
	}
	return msg, nil
}

func (d *memMessageDAO) MarkMessageAsRead(_ context.Context, messageID, userID int64, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, msg := range d.messages {
		if msg.MessageID == messageID {
			d.reads[messageID] = append(d.reads[messageID], model.ReadRecord{UserID: userID, ReadAt: at})
			return nil
		}
	}
	return dao.ErrNotFound
}

func (d *memMessageDAO) ReplaceMessageContent(_ context.Context, messageID int64, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, msg := range d.messages {
		if msg.MessageID == messageID {
			msg.Content = content
			return nil
		}
	}
	return dao.ErrNotFound
}

// memChatDAO 内存版会话DAO
type memChatDAO struct {
	mu       sync.Mutex
	members  map[int64][]int64
	chats    []*model.Chat
	lastRead map[string]time.Time
}

func newMemChatDAO() *memChatDAO {
	return &memChatDAO{
		members:  make(map[int64][]int64),
		lastRead: make(map[string]time.Time),
	}
}

func (d *memChatDAO) GetUpdatedChats(_ context.Context, userID int64, since time.Time) ([]*model.Chat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.Chat
	for _, chat := range d.chats {
		if !chat.UpdatedAt.After(since) {
			continue
		}
		for _, uid := range d.members[chat.ID] {
			if uid == userID {
				out = append(out, chat)
				break
			}
		}
	}
	return out, nil
}

func (d *memChatDAO) UpdateLastRead(_ context.Context, chatID, userID int64, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := fmt.Sprintf("%d:%d", chatID, userID)
	if prev, ok := d.lastRead[key]; !ok || prev.Before(at) {
		d.lastRead[key] = at
	}
	return nil
}

func (d *memChatDAO) GetChatMemberIDs(_ context.Context, chatID int64) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.members[chatID], nil
}

// memUserDAO 内存版用户DAO
type memUserDAO struct {
	mu        sync.Mutex
	friends   map[int64][]int64
	statuses  map[int64]*model.StatusPatch
	statusErr error
}

func newMemUserDAO() *memUserDAO {
	return &memUserDAO{
		friends:  make(map[int64][]int64),
		statuses: make(map[int64]*model.StatusPatch),
	}
}

func (d *memUserDAO) ListFriendIDs(_ context.Context, userID int64) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.friends[userID], nil
}

func (d *memUserDAO) UpdateUserStatus(_ context.Context, userID int64, patch *model.StatusPatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.statusErr != nil {
		err := d.statusErr
		d.statusErr = nil
		return err
	}
	d.statuses[userID] = patch
	return nil
}

// memMediaDAO 内存版媒体DAO
type memMediaDAO struct {
	mu    sync.Mutex
	items []*model.MediaItem
}

func (d *memMediaDAO) ListPendingMedia(_ context.Context, userID int64, deviceID string, itemIDs []string) ([]*model.MediaItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.MediaItem
	for _, item := range d.items {
		if item.UserID != userID || item.DeviceID != deviceID || item.Status != "pending" {
			continue
		}
		if len(itemIDs) > 0 {
			found := false
			for _, id := range itemIDs {
				if id == item.ItemID {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func (d *memMediaDAO) CompleteMediaItem(_ context.Context, itemID string) error {
	return d.setStatus(itemID, "completed", "")
}

func (d *memMediaDAO) FailMediaItem(_ context.Context, itemID, reason string) error {
	return d.setStatus(itemID, "failed", reason)
}

func (d *memMediaDAO) setStatus(itemID, status, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, item := range d.items {
		if item.ItemID == itemID {
			item.Status = status
			item.Reason = reason
			return nil
		}
	}
	return dao.ErrNotFound
}

// testEnv 处理器测试环境，所有依赖都是内存实现
type testEnv struct {
	queue      *memQueue
	cursors    *memCursorStore
	conflicts  *memConflictStore
	presence   *memPresenceStore
	registry   *Registry
	fanout     *FanoutService
	manager    *ConflictManager
	processor  *Processor
	messageDAO *memMessageDAO
	chatDAO    *memChatDAO
	userDAO    *memUserDAO
	mediaDAO   *memMediaDAO
}

func newTestEnv() *testEnv {
	log := logger.GetLogger()
	queue := newMemQueue()
	cursors := newMemCursorStore()
	conflicts := newMemConflictStore()
	presence := newMemPresenceStore()
	messageDAO := newMemMessageDAO()
	chatDAO := newMemChatDAO()
	userDAO := newMemUserDAO()
	mediaDAO := &memMediaDAO{}

	registry := NewRegistry(50*time.Millisecond, log)
	fanout := NewFanoutService(registry, presence, chatDAO, userDAO, nil, "im_events", log)
	manager := NewConflictManager(conflicts, messageDAO, fanout, log)

	idGen, _ := snowflake.NewSnowflake(1)
	processor := NewProcessor(queue, cursors, manager, presence, fanout,
		messageDAO, chatDAO, userDAO, mediaDAO, idGen,
		ProcessorConfig{
			Workers:      1,
			MaxRetries:   3,
			PopTimeout:   10 * time.Millisecond,
			StaleAfter:   time.Minute,
			StaleBatch:   10,
			DrainTimeout: time.Second,
		}, log)

	return &testEnv{
		queue:      queue,
		cursors:    cursors,
		conflicts:  conflicts,
		presence:   presence,
		registry:   registry,
		fanout:     fanout,
		manager:    manager,
		processor:  processor,
		messageDAO: messageDAO,
		chatDAO:    chatDAO,
		userDAO:    userDAO,
		mediaDAO:   mediaDAO,
	}
}

// connect 为用户挂一条桩连接
func (e *testEnv) connect(userID int64, deviceID string) *fakeConn {
	fc := &fakeConn{}
	conn := NewClientConn(fmt.Sprintf("conn-%d-%s", userID, deviceID), userID, deviceID, fc)
	e.registry.Register(conn)
	return fc
}
