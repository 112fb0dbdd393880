package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"moodchat/apps/sync-service/model"
	"moodchat/apps/sync-service/service"
	"moodchat/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler 实时连接入口
type WebSocketHandler struct {
	svc *service.Service
	log logger.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(svc *service.Service, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{svc: svc, log: log}
}

// RegisterRoutes 注册路由
func (h *WebSocketHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/api/v1/connect/ws", h.Connect)
}

// Connect 建立WebSocket连接。
// 鉴权在升级前完成，升级后连接进入注册表并开始读循环
func (h *WebSocketHandler) Connect(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !h.svc.ValidateToken(token) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	userID, err := strconv.ParseInt(c.GetHeader("User-ID"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid User-ID header"})
		return
	}
	deviceID := c.GetHeader("Device-ID")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing Device-ID header"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error(c.Request.Context(), "WebSocket升级失败",
			logger.F("userID", userID),
			logger.F("error", err.Error()))
		return
	}

	conn := service.NewClientConn(uuid.New().String(), userID, deviceID, ws)
	registry := h.svc.Registry()
	firstConnection := registry.Register(conn)

	ctx := c.Request.Context()
	h.svc.OnUserConnected(ctx, userID, firstConnection)
	h.log.Info(ctx, "连接已建立",
		logger.F("userID", userID),
		logger.F("deviceID", deviceID),
		logger.F("connID", conn.ID),
		logger.F("firstConnection", firstConnection))

	// 协议层ping同时续期在线状态
	ws.SetPingHandler(func(appData string) error {
		h.svc.RefreshPresence(ctx, userID)
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	defer func() {
		registry.Unregister(conn)
		_ = conn.Close()
		h.log.Info(ctx, "连接已断开",
			logger.F("userID", userID),
			logger.F("connID", conn.ID))
	}()

	h.readLoop(c, ws, conn)
}

// readLoop 消费上行帧直到连接断开
func (h *WebSocketHandler) readLoop(c *gin.Context, ws *websocket.Conn, conn *service.ClientConn) {
	ctx := c.Request.Context()

	for {
		var frame model.ClientFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn(ctx, "连接异常断开",
					logger.F("userID", conn.UserID),
					logger.F("error", err.Error()))
			}
			return
		}
		h.handleFrame(c, conn, &frame)
	}
}

func (h *WebSocketHandler) handleFrame(c *gin.Context, conn *service.ClientConn, frame *model.ClientFrame) {
	ctx := c.Request.Context()

	switch frame.Type {
	case "ping":
		h.svc.RefreshPresence(ctx, conn.UserID)
		_ = conn.SendEvent("pong", nil)

	case "typing.start":
		h.svc.NotifyTyping(ctx, frame.ChatID, conn.UserID, true)
	case "typing.stop":
		h.svc.NotifyTyping(ctx, frame.ChatID, conn.UserID, false)

	case "reaction":
		if frame.ChatID <= 0 || len(frame.Payload) == 0 {
			return
		}
		h.svc.NotifyReaction(ctx, frame.ChatID, conn.UserID, frame.Payload)

	case "call.signal":
		if frame.Call == nil {
			return
		}
		frame.Call.FromUser = conn.UserID
		h.svc.RelayCallSignal(ctx, frame.Call)

	case "room.join":
		if room := frameRoom(frame); room != "" {
			h.svc.Registry().JoinRoom(conn, room)
		}
	case "room.leave":
		if room := frameRoom(frame); room != "" {
			h.svc.Registry().LeaveRoom(conn, room)
		}

	case "status.update":
		if frame.Status == nil {
			return
		}
		if err := h.svc.UpdateStatus(ctx, conn.UserID, conn.DeviceID, frame.Status); err != nil {
			h.log.Warn(ctx, "状态变更入队失败",
				logger.F("userID", conn.UserID),
				logger.F("error", err.Error()))
		}

	default:
		h.log.Warn(ctx, "未知的上行帧类型",
			logger.F("userID", conn.UserID),
			logger.F("type", frame.Type))
	}
}

// frameRoom 房间名，显式room优先，否则由会话ID推导
func frameRoom(frame *model.ClientFrame) string {
	if frame.Room != "" {
		return frame.Room
	}
	if frame.ChatID > 0 {
		return fmt.Sprintf("chat:%d", frame.ChatID)
	}
	return ""
}
