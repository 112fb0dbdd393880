package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"moodchat/apps/sync-service/dao"
	"moodchat/apps/sync-service/model"
	"moodchat/pkg/logger"
)

// FanoutService 实时事件扇出。
// 本进程内通过注册表直接投递，同时发布到Kafka供其他节点消费
type FanoutService struct {
	registry    *Registry
	presence    PresenceStore
	chatDAO     dao.ChatDAO
	userDAO     dao.UserDAO
	publisher   EventPublisher
	eventsTopic string
	log         logger.Logger
}

// NewFanoutService 创建事件扇出服务
func NewFanoutService(registry *Registry, presence PresenceStore, chatDAO dao.ChatDAO, userDAO dao.UserDAO, publisher EventPublisher, eventsTopic string, log logger.Logger) *FanoutService {
	return &FanoutService{
		registry:    registry,
		presence:    presence,
		chatDAO:     chatDAO,
		userDAO:     userDAO,
		publisher:   publisher,
		eventsTopic: eventsTopic,
		log:         log,
	}
}

// NotifyNewMessage 把新消息推给会话成员的所有在线设备，
// 发起设备除外（它会在同步结果里拿到这条消息）
func (f *FanoutService) NotifyNewMessage(ctx context.Context, msg *model.Message, originDeviceID string) {
	memberIDs := msg.RecipientIDs
	if len(memberIDs) == 0 {
		ids, err := f.chatDAO.GetChatMemberIDs(ctx, msg.ChatID)
		if err != nil {
			f.log.Error(ctx, "查询会话成员失败",
				logger.F("chatID", msg.ChatID),
				logger.F("error", err.Error()))
			return
		}
		memberIDs = ids
	}

	for _, uid := range memberIDs {
		if uid == msg.SenderID {
			// 发送者的其他设备也需要看到这条消息
			f.registry.SendToUserExcept(uid, originDeviceID, model.EventNewMessage, msg)
			continue
		}
		f.registry.SendToUser(uid, model.EventNewMessage, msg)
	}

	f.publish(ctx, msg.SenderID, model.EventNewMessage, msg)
}

// NotifyReaction 把消息表态推给会话成员的所有在线设备。
// 服务端不解读表态内容，原样透传
func (f *FanoutService) NotifyReaction(ctx context.Context, chatID, userID int64, reaction json.RawMessage) {
	memberIDs, err := f.chatDAO.GetChatMemberIDs(ctx, chatID)
	if err != nil {
		f.log.Error(ctx, "查询会话成员失败",
			logger.F("chatID", chatID),
			logger.F("error", err.Error()))
		return
	}

	payload := map[string]interface{}{
		"chatId":   chatID,
		"userId":   userID,
		"reaction": reaction,
	}
	for _, uid := range memberIDs {
		f.registry.SendToUser(uid, model.EventMessageReaction, payload)
	}

	f.publish(ctx, chatID, model.EventMessageReaction, payload)
}

// NotifyPresenceChange 把在线状态变更广播给好友
func (f *FanoutService) NotifyPresenceChange(ctx context.Context, presence *model.UserPresence) {
	friendIDs, err := f.userDAO.ListFriendIDs(ctx, presence.UserID)
	if err != nil {
		f.log.Error(ctx, "查询好友列表失败",
			logger.F("userID", presence.UserID),
			logger.F("error", err.Error()))
		return
	}

	for _, fid := range friendIDs {
		f.registry.SendToUser(fid, model.EventPresenceChanged, presence)
	}
	// 本人其他设备也要同步状态
	f.registry.SendToUser(presence.UserID, model.EventPresenceChanged, presence)

	f.publish(ctx, presence.UserID, model.EventPresenceChanged, presence)
}

// NotifyTyping 把打字提示广播到会话房间，发起人自己不收
func (f *FanoutService) NotifyTyping(ctx context.Context, chatID, userID int64, typing bool) {
	event := model.EventTypingStop
	if typing {
		event = model.EventTypingStart
	}
	room := chatRoom(chatID)
	f.registry.BroadcastToRoom(room, event, map[string]interface{}{
		"chatId": chatID,
		"userId": userID,
	}, userID)
}

// RelayCallSignal 中转呼叫信令，服务端不理解信令内容。
// 对端所有设备都收到offer，未送达任何设备时回告发起方不可达
func (f *FanoutService) RelayCallSignal(ctx context.Context, signal *model.CallSignal) {
	var event string
	switch signal.Kind {
	case model.CallSignalOffer:
		event = model.EventCallOffer
	case model.CallSignalAnswer:
		event = model.EventCallAnswer
	case model.CallSignalCandidate:
		event = model.EventCallCandidate
	default:
		f.log.Warn(ctx, "未知信令类型", logger.F("kind", signal.Kind))
		return
	}

	delivered := f.registry.SendToUser(signal.ToUser, event, signal)
	if delivered == 0 && signal.Kind == model.CallSignalOffer {
		f.registry.SendToUser(signal.FromUser, model.EventCallUnreachable, map[string]interface{}{
			"callId": signal.CallID,
			"toUser": signal.ToUser,
		})
	}
}

// NotifyGroupMembershipChanged 广播群成员变更
func (f *FanoutService) NotifyGroupMembershipChanged(ctx context.Context, chatID int64, action string, affectedUsers []int64) {
	memberIDs, err := f.chatDAO.GetChatMemberIDs(ctx, chatID)
	if err != nil {
		f.log.Error(ctx, "查询会话成员失败",
			logger.F("chatID", chatID),
			logger.F("error", err.Error()))
		return
	}

	payload := map[string]interface{}{
		"chatId":        chatID,
		"action":        action,
		"affectedUsers": affectedUsers,
	}
	seen := make(map[int64]bool, len(memberIDs)+len(affectedUsers))
	for _, uid := range append(memberIDs, affectedUsers...) {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		f.registry.SendToUser(uid, model.EventGroupMembership, payload)
	}

	f.publish(ctx, chatID, model.EventGroupMembership, payload)
}

// NotifyConflict 通知发起设备检测到冲突
func (f *FanoutService) NotifyConflict(ctx context.Context, conflict *model.SyncConflict, deviceID string) {
	if deviceID != "" && f.registry.SendToDevice(conflict.UserID, deviceID, model.EventConflictDetected, conflict) {
		return
	}
	f.registry.SendToUser(conflict.UserID, model.EventConflictDetected, conflict)
}

// NotifyConflictResolved 通知用户所有设备冲突已解决
func (f *FanoutService) NotifyConflictResolved(ctx context.Context, conflict *model.SyncConflict) {
	f.registry.SendToUser(conflict.UserID, model.EventConflictResolved, conflict)
}

// SendSyncResult 把同步结果回推给发起设备，设备不在线时静默丢弃
func (f *FanoutService) SendSyncResult(ctx context.Context, userID int64, deviceID, operation string, result interface{}) {
	payload := map[string]interface{}{
		"operation": operation,
		"result":    result,
	}
	if deviceID != "" {
		if f.registry.SendToDevice(userID, deviceID, model.EventSyncResponse, payload) {
			return
		}
	}
	f.registry.SendToUser(userID, model.EventSyncResponse, payload)
}

// publish 把事件发布到Kafka，失败只记日志
func (f *FanoutService) publish(ctx context.Context, key int64, event string, payload interface{}) {
	if f.publisher == nil {
		return
	}
	body, err := json.Marshal(model.ServerEvent{Event: event, Payload: payload, Timestamp: time.Now()})
	if err != nil {
		f.log.Error(ctx, "事件序列化失败", logger.F("event", event), logger.F("error", err.Error()))
		return
	}
	if err := f.publisher.Publish(f.eventsTopic, []byte(fmt.Sprintf("%d", key)), body); err != nil {
		f.log.Error(ctx, "事件发布失败", logger.F("event", event), logger.F("error", err.Error()))
	}
}

// chatRoom 会话对应的房间名
func chatRoom(chatID int64) string {
	return fmt.Sprintf("chat:%d", chatID)
}
