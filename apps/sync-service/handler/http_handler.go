package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"moodchat/apps/sync-service/model"
	"moodchat/apps/sync-service/service"
	"moodchat/pkg/httpx"
	"moodchat/pkg/logger"
)

// HTTPHandler 同步服务HTTP入口
type HTTPHandler struct {
	svc *service.Service
	log logger.Logger
}

// NewHTTPHandler 创建HTTP处理器
func NewHTTPHandler(svc *service.Service, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, log: log}
}

// RegisterRoutes 注册路由
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")

	sync := api.Group("/sync")
	{
		sync.POST("/jobs", h.EnqueueJob)
		sync.GET("/stats", h.Stats)
		sync.GET("/conflicts/:userId", h.ListConflicts)
		sync.POST("/conflicts/resolve", h.ResolveConflict)
		sync.GET("/deadletters/:userId", h.ListDeadLetters)
		sync.POST("/deadletters/:userId/requeue", h.RequeueDeadLetters)
	}

	presence := api.Group("/presence")
	{
		presence.GET("/:userId", h.GetPresence)
		presence.POST("/status", h.UpdateStatus)
	}
}

// EnqueueJob 入队一条同步任务
func (h *HTTPHandler) EnqueueJob(c *gin.Context) {
	var job model.SyncJob
	if err := c.ShouldBindJSON(&job); err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err)
		return
	}
	// 未显式指定用户时归属到请求方
	if job.UserID == 0 {
		job.UserID = c.GetInt64("userID")
	}

	if err := h.svc.EnqueueSyncJob(c.Request.Context(), &job); err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err)
		return
	}
	httpx.WriteObject(c, gin.H{"enqueued": true}, nil)
}

// Stats 运行统计
func (h *HTTPHandler) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	httpx.WriteObject(c, stats, err)
}

// ListConflicts 用户的未解决冲突
func (h *HTTPHandler) ListConflicts(c *gin.Context) {
	userID, err := pathUserID(c)
	if err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err)
		return
	}
	conflicts, err := h.svc.ListConflicts(c.Request.Context(), userID)
	httpx.WriteObject(c, gin.H{"conflicts": conflicts}, err)
}

type resolveConflictRequest struct {
	TempID     string `json:"tempId" binding:"required"`
	Resolution string `json:"resolution" binding:"required"`
	DeviceID   string `json:"deviceId"`
}

// ResolveConflict 提交冲突解决方式
func (h *HTTPHandler) ResolveConflict(c *gin.Context) {
	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err)
		return
	}

	userID := c.GetInt64("userID")
	if err := h.svc.ResolveConflict(c.Request.Context(), userID, req.DeviceID, req.TempID, req.Resolution); err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err)
		return
	}
	httpx.WriteObject(c, gin.H{"accepted": true}, nil)
}

// ListDeadLetters 用户的死信记录
func (h *HTTPHandler) ListDeadLetters(c *gin.Context) {
	userID, err := pathUserID(c)
	if err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err)
		return
	}
	records, err := h.svc.DeadLetters(c.Request.Context(), userID)
	httpx.WriteObject(c, gin.H{"deadLetters": records}, err)
}

// RequeueDeadLetters 重放用户的死信
func (h *HTTPHandler) RequeueDeadLetters(c *gin.Context) {
	userID, err := pathUserID(c)
	if err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err)
		return
	}
	count, err := h.svc.RequeueDeadLetters(c.Request.Context(), userID)
	httpx.WriteObject(c, gin.H{"requeued": count}, err)
}

// GetPresence 查询用户在线状态
func (h *HTTPHandler) GetPresence(c *gin.Context) {
	userID, err := pathUserID(c)
	if err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err)
		return
	}
	presence, err := h.svc.GetPresence(c.Request.Context(), userID)
	httpx.WriteObject(c, presence, err)
}

// UpdateStatus 变更请求方的在线状态
func (h *HTTPHandler) UpdateStatus(c *gin.Context) {
	var patch model.StatusPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err)
		return
	}

	userID := c.GetInt64("userID")
	deviceID := c.GetHeader("Device-ID")
	if err := h.svc.UpdateStatus(c.Request.Context(), userID, deviceID, &patch); err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err)
		return
	}
	httpx.WriteObject(c, gin.H{"accepted": true}, nil)
}

func pathUserID(c *gin.Context) (int64, error) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("invalid user id: %s", c.Param("userId"))
	}
	return userID, nil
}
