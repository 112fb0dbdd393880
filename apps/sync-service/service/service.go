package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"

	"moodchat/apps/sync-service/dao"
	"moodchat/apps/sync-service/model"
	"moodchat/pkg/auth"
	"moodchat/pkg/config"
	"moodchat/pkg/database"
	"moodchat/pkg/kafka"
	"moodchat/pkg/logger"
	"moodchat/pkg/redis"
	"moodchat/pkg/snowflake"
)

// kafkaPublisher 把Kafka生产者适配成事件发布接口
type kafkaPublisher struct {
	producer *kafka.Producer
}

func (p *kafkaPublisher) Publish(topic string, key, value []byte) error {
	return p.producer.SendMessage(topic, key, value)
}

// Service 同步服务门面，聚合连接注册表、任务队列、处理器和扇出
type Service struct {
	cfg *config.Config
	log logger.Logger

	registry      *Registry
	presence      PresenceStore
	fanout        *FanoutService
	queue         JobQueue
	cursors       CursorStore
	conflictStore ConflictStore
	conflictMgr   *ConflictManager
	processor     *Processor
	heartbeat     *Heartbeat
	consumer      *kafka.Consumer
	jwtConfig     *auth.JWTConfig

	messageDAO dao.MessageDAO
}

// NewService 创建同步服务
func NewService(
	cfg *config.Config,
	mongodb *database.MongoDB,
	postgres *database.PostgreSQL,
	rdb *redis.RedisClient,
	producer *kafka.Producer,
	log logger.Logger,
) (*Service, error) {
	messageDAO := dao.NewMessageDAO(mongodb)
	chatDAO := dao.NewChatDAO(postgres)
	userDAO := dao.NewUserDAO(postgres)
	mediaDAO := dao.NewMediaDAO(mongodb)

	idGen, err := snowflake.NewSnowflake(int64(os.Getpid()) % 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %v", err)
	}

	registry := NewRegistry(time.Duration(cfg.Sync.GraceSeconds)*time.Second, log)
	presence := NewPresenceStore(rdb)
	queue := NewJobQueue(rdb)
	cursors := NewCursorStore(rdb)
	conflictStore := NewConflictStore(rdb, time.Duration(cfg.Sync.ConflictTTLHours)*time.Hour)

	var publisher EventPublisher
	if producer != nil {
		publisher = &kafkaPublisher{producer: producer}
	}
	fanout := NewFanoutService(registry, presence, chatDAO, userDAO, publisher, cfg.Kafka.EventsTopic, log)
	conflictMgr := NewConflictManager(conflictStore, messageDAO, fanout, log)

	processor := NewProcessor(queue, cursors, conflictMgr, presence, fanout,
		messageDAO, chatDAO, userDAO, mediaDAO, idGen,
		ProcessorConfig{
			Workers:      cfg.Sync.Workers,
			MaxRetries:   cfg.Sync.MaxRetries,
			PopTimeout:   time.Duration(cfg.Sync.PopTimeoutSeconds) * time.Second,
			StaleAfter:   time.Duration(cfg.Sync.StaleAfterMinutes) * time.Minute,
			StaleBatch:   cfg.Sync.StaleBatchSize,
			DrainTimeout: time.Duration(cfg.Sync.DrainSeconds) * time.Second,
		}, log)

	s := &Service{
		cfg:           cfg,
		log:           log,
		registry:      registry,
		presence:      presence,
		fanout:        fanout,
		queue:         queue,
		cursors:       cursors,
		conflictStore: conflictStore,
		conflictMgr:   conflictMgr,
		processor:     processor,
		heartbeat:     NewHeartbeat(rdb, cfg.Sync.Workers, log),
		jwtConfig:     auth.NewJWTConfig(cfg.App.JWTSecret),
		messageDAO:    messageDAO,
	}

	// 宽限期到期才算真正离线，短暂重连不打扰好友
	registry.SetOfflineCallback(func(userID int64) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.markOffline(ctx, userID)
	})
	return s, nil
}

// Start 启动处理器、心跳和任务消费者
func (s *Service) Start(ctx context.Context) error {
	s.processor.Start(ctx)
	if err := s.heartbeat.Start(ctx); err != nil {
		return err
	}

	consumer, err := kafka.InitConsumer(kafka.KafkaConfig{
		Brokers: s.cfg.Kafka.Brokers,
		GroupID: s.cfg.Kafka.GroupID,
		Topics:  []string{s.cfg.Kafka.JobsTopic},
	}, s)
	if err != nil {
		return fmt.Errorf("failed to init job consumer: %v", err)
	}
	s.consumer = consumer
	if err := consumer.StartConsuming(ctx); err != nil {
		return fmt.Errorf("failed to start job consumer: %v", err)
	}

	s.log.Info(ctx, "同步服务已启动",
		logger.F("instanceID", s.heartbeat.InstanceID()),
		logger.F("jobsTopic", s.cfg.Kafka.JobsTopic))
	return nil
}

// Stop 优雅停止：先停进水口，再排空处理器，最后关连接
func (s *Service) Stop() {
	if s.consumer != nil {
		_ = s.consumer.Close()
	}
	s.processor.Stop()
	s.heartbeat.Stop()
	s.registry.CloseAll()
}

// Registry 连接注册表，WebSocket入口使用
func (s *Service) Registry() *Registry {
	return s.registry
}

// HandleMessage 消费Kafka上的同步任务
func (s *Service) HandleMessage(msg *sarama.ConsumerMessage) error {
	var job model.SyncJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		s.log.Warn(context.Background(), "丢弃无法解析的任务消息",
			logger.F("topic", msg.Topic),
			logger.F("offset", msg.Offset))
		return nil
	}
	if err := s.EnqueueSyncJob(context.Background(), &job); err != nil {
		s.log.Error(context.Background(), "任务入队失败",
			logger.F("userID", job.UserID),
			logger.F("operation", job.Operation),
			logger.F("error", err.Error()))
		return err
	}
	return nil
}

// EnqueueSyncJob 校验并入队一条同步任务
func (s *Service) EnqueueSyncJob(ctx context.Context, job *model.SyncJob) error {
	if job.UserID <= 0 {
		return fmt.Errorf("invalid user id: %d", job.UserID)
	}
	if !model.ValidOperations[job.Operation] {
		return fmt.Errorf("invalid operation: %s", job.Operation)
	}
	if job.Timestamp.IsZero() {
		job.Timestamp = time.Now()
	}
	// 重试计数只由处理器推进，外部提交带上来的值一律清零
	job.RetryCount = 0

	if err := s.cursors.TouchLastRequest(ctx, job.UserID, time.Now()); err != nil {
		s.log.Warn(ctx, "刷新同步请求时间失败",
			logger.F("userID", job.UserID),
			logger.F("error", err.Error()))
	}
	return s.queue.Enqueue(ctx, job)
}

// Stats 运行统计
func (s *Service) Stats(ctx context.Context) (*model.SyncStats, error) {
	depths, err := s.queue.Depths(ctx)
	if err != nil {
		return nil, err
	}
	depths.Conflicts, err = s.conflictStore.Count(ctx)
	if err != nil {
		return nil, err
	}
	onlineCount, err := s.presence.OnlineCount(ctx)
	if err != nil {
		return nil, err
	}

	return &model.SyncStats{
		InstanceID:  s.heartbeat.InstanceID(),
		Alive:       s.heartbeat.Alive(ctx),
		Workers:     s.processor.Workers(),
		Depths:      depths,
		Connections: s.registry.ConnectionCount(),
		OnlineUsers: int(onlineCount),
		CollectedAt: time.Now(),
	}, nil
}

// ListConflicts 用户未解决的冲突
func (s *Service) ListConflicts(ctx context.Context, userID int64) ([]*model.SyncConflict, error) {
	return s.conflictStore.List(ctx, userID)
}

// ResolveConflict 冲突解决走任务队列，和该用户的其他同步操作保持顺序
func (s *Service) ResolveConflict(ctx context.Context, userID int64, deviceID, tempID, resolution string) error {
	conflict, err := s.conflictStore.Get(ctx, userID, tempID)
	if err != nil {
		return err
	}
	if conflict == nil {
		return fmt.Errorf("conflict not found: %s", tempID)
	}
	if !model.ResolutionSupported(conflict.Type, resolution) {
		return fmt.Errorf("resolution %s not supported for conflict type %s", resolution, conflict.Type)
	}

	payload, err := json.Marshal(&model.ResolveConflictPayload{TempID: tempID, Resolution: resolution})
	if err != nil {
		return err
	}
	return s.EnqueueSyncJob(ctx, &model.SyncJob{
		UserID:    userID,
		Operation: model.OpResolveConflict,
		Data:      payload,
		DeviceID:  deviceID,
		Timestamp: time.Now(),
	})
}

// DeadLetters 用户的死信记录
func (s *Service) DeadLetters(ctx context.Context, userID int64) ([]*model.DeadLetterRecord, error) {
	return s.queue.DeadLetters(ctx, userID)
}

// RequeueDeadLetters 人工干预：重放用户的死信
func (s *Service) RequeueDeadLetters(ctx context.Context, userID int64) (int, error) {
	return s.queue.RequeueDeadLetters(ctx, userID)
}

// GetPresence 查询用户在线状态
func (s *Service) GetPresence(ctx context.Context, userID int64) (*model.UserPresence, error) {
	return s.presence.GetPresence(ctx, userID)
}

// UpdateStatus 状态变更走任务队列持久化和广播
func (s *Service) UpdateStatus(ctx context.Context, userID int64, deviceID string, patch *model.StatusPatch) error {
	payload, err := json.Marshal(&model.UpdateStatusPayload{StatusPatch: *patch})
	if err != nil {
		return err
	}
	return s.EnqueueSyncJob(ctx, &model.SyncJob{
		UserID:    userID,
		Operation: model.OpUpdateStatus,
		Data:      payload,
		DeviceID:  deviceID,
		Timestamp: time.Now(),
	})
}

// OnUserConnected 连接建立后的状态处理，firstConnection表示用户刚上线
func (s *Service) OnUserConnected(ctx context.Context, userID int64, firstConnection bool) {
	if err := s.presence.SetOnline(ctx, userID); err != nil {
		s.log.Error(ctx, "刷新在线状态失败",
			logger.F("userID", userID),
			logger.F("error", err.Error()))
	}
	if !firstConnection {
		return
	}
	presence, err := s.presence.GetPresence(ctx, userID)
	if err != nil {
		s.log.Error(ctx, "读取在线状态失败",
			logger.F("userID", userID),
			logger.F("error", err.Error()))
		return
	}
	s.fanout.NotifyPresenceChange(ctx, presence)
}

// RefreshPresence 心跳续期在线状态
func (s *Service) RefreshPresence(ctx context.Context, userID int64) {
	if err := s.presence.SetOnline(ctx, userID); err != nil {
		s.log.Warn(ctx, "续期在线状态失败",
			logger.F("userID", userID),
			logger.F("error", err.Error()))
	}
}

// markOffline 宽限期到期后标记离线并通知好友
func (s *Service) markOffline(ctx context.Context, userID int64) {
	if err := s.presence.SetOffline(ctx, userID); err != nil {
		s.log.Error(ctx, "标记离线失败",
			logger.F("userID", userID),
			logger.F("error", err.Error()))
		return
	}
	presence, err := s.presence.GetPresence(ctx, userID)
	if err != nil {
		s.log.Error(ctx, "读取在线状态失败",
			logger.F("userID", userID),
			logger.F("error", err.Error()))
		return
	}
	s.fanout.NotifyPresenceChange(ctx, presence)
	s.log.Info(ctx, "用户离线", logger.F("userID", userID))
}

// NotifyTyping 打字提示扇出
func (s *Service) NotifyTyping(ctx context.Context, chatID, userID int64, typing bool) {
	s.fanout.NotifyTyping(ctx, chatID, userID, typing)
}

// NotifyReaction 消息表态扇出
func (s *Service) NotifyReaction(ctx context.Context, chatID, userID int64, reaction json.RawMessage) {
	s.fanout.NotifyReaction(ctx, chatID, userID, reaction)
}

// RelayCallSignal 呼叫信令中转
func (s *Service) RelayCallSignal(ctx context.Context, signal *model.CallSignal) {
	s.fanout.RelayCallSignal(ctx, signal)
}

// ValidateToken 校验连接token
func (s *Service) ValidateToken(token string) bool {
	return auth.ValidateToken(token, s.jwtConfig)
}
