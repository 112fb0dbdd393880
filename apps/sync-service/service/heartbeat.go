package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	goredis "github.com/go-redis/redis/v8"

	"moodchat/apps/sync-service/model"
	"moodchat/pkg/logger"
	"moodchat/pkg/redis"
)

// Heartbeat 处理器实例心跳。
// 实例定期向Redis上报存活，统计接口据此判断处理器是否健康
type Heartbeat struct {
	rdb        *redis.RedisClient
	instanceID string
	workers    int
	log        logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat 创建心跳上报器，实例ID进程内唯一
func NewHeartbeat(rdb *redis.RedisClient, workers int, log logger.Logger) *Heartbeat {
	return &Heartbeat{
		rdb:        rdb,
		instanceID: "sync-" + uuid.New().String(),
		workers:    workers,
		log:        log,
		done:       make(chan struct{}),
	}
}

// InstanceID 本实例ID
func (h *Heartbeat) InstanceID() string {
	return h.instanceID
}

// Start 开始周期性上报
func (h *Heartbeat) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)

	if err := h.beat(ctx); err != nil {
		return fmt.Errorf("initial heartbeat failed: %v", err)
	}

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(model.ProcessorHeartbeatD)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.beat(ctx); err != nil {
					h.log.Warn(ctx, "心跳上报失败", logger.F("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

// Stop 停止上报并摘除实例记录
func (h *Heartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _ = h.rdb.ZRem(ctx, model.ProcessorsKey, h.instanceID)
	_ = h.rdb.Del(ctx, fmt.Sprintf(model.ProcessorInstFmt, h.instanceID))
}

func (h *Heartbeat) beat(ctx context.Context) error {
	now := time.Now()
	if err := h.rdb.ZAdd(ctx, model.ProcessorsKey, &goredis.Z{
		Score:  float64(now.Unix()),
		Member: h.instanceID,
	}); err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	instKey := fmt.Sprintf(model.ProcessorInstFmt, h.instanceID)
	fields := map[string]interface{}{
		"instance_id": h.instanceID,
		"hostname":    hostname,
		"workers":     h.workers,
		"beat_at":     now.Format(time.RFC3339),
	}
	if err := h.rdb.HMSet(ctx, instKey, fields); err != nil {
		return err
	}
	return h.rdb.Expire(ctx, instKey, model.ProcessorExpireD)
}

// Alive 本实例的心跳记录是否仍然有效
func (h *Heartbeat) Alive(ctx context.Context) bool {
	n, err := h.rdb.Exists(ctx, fmt.Sprintf(model.ProcessorInstFmt, h.instanceID))
	return err == nil && n > 0
}
