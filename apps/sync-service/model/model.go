package model

import (
	"encoding/json"
	"time"
)

// Connection 一条活跃的客户端连接
type Connection struct {
	UserID      int64     `json:"userId"`
	ConnID      string    `json:"connId"`
	DeviceID    string    `json:"deviceId"`
	ClientType  string    `json:"clientType"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// UserPresence 用户在线状态记录（短暂态，存Redis）
type UserPresence struct {
	UserID       int64      `json:"userId"`
	Online       bool       `json:"online"`
	Status       string     `json:"status"` // online/away/busy/offline/custom
	StatusText   string     `json:"statusText,omitempty"`
	StatusEmoji  string     `json:"statusEmoji,omitempty"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// StatusPatch 状态变更请求
type StatusPatch struct {
	Status      string     `json:"status"`
	StatusText  string     `json:"statusText,omitempty"`
	StatusEmoji string     `json:"statusEmoji,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// SyncJob 一条同步任务
type SyncJob struct {
	UserID     int64           `json:"userId"`
	Operation  string          `json:"operation"`
	Data       json.RawMessage `json:"data"`
	DeviceID   string          `json:"deviceId"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
}

// DeadLetterRecord 死信记录
type DeadLetterRecord struct {
	Job      *SyncJob  `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// SyncConflict 客户端操作与服务端状态的冲突记录
type SyncConflict struct {
	UserID     int64           `json:"userId"`
	TempID     string          `json:"tempId"`
	Type       string          `json:"type"`
	ClientData json.RawMessage `json:"clientData"`
	ServerData json.RawMessage `json:"serverData"`
	Resolution string          `json:"resolution"` // 空表示待解决
	CreatedAt  time.Time       `json:"createdAt"`
}

// Message 消息（Mongo存储）
type Message struct {
	MessageID    int64     `bson:"message_id" json:"messageId"`
	ChatID       int64     `bson:"chat_id" json:"chatId"`
	SenderID     int64     `bson:"sender_id" json:"senderId"`
	RecipientIDs []int64   `bson:"recipient_ids" json:"recipientIds"`
	TempID       string    `bson:"temp_id,omitempty" json:"tempId,omitempty"`
	Content      string    `bson:"content" json:"content"`
	MediaURL     string    `bson:"media_url,omitempty" json:"mediaUrl,omitempty"`
	CreatedAt    time.Time `bson:"created_at" json:"createdAt"`
}

// ReadRecord 消息已读记录
type ReadRecord struct {
	UserID int64     `bson:"user_id" json:"userId"`
	ReadAt time.Time `bson:"read_at" json:"readAt"`
}

// Chat 会话（PostgreSQL存储）
type Chat struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:128" json:"name"`
	Type      string    `gorm:"size:16" json:"type"` // single/group
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `gorm:"index" json:"updatedAt"`
}

// TableName 指定表名
func (Chat) TableName() string {
	return "chats"
}

// ChatMember 会话成员
type ChatMember struct {
	ChatID     int64      `gorm:"primaryKey" json:"chatId"`
	UserID     int64      `gorm:"primaryKey;index" json:"userId"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
	JoinedAt   time.Time  `json:"joinedAt"`
}

// TableName 指定表名
func (ChatMember) TableName() string {
	return "chat_members"
}

// Friend 好友关系
type Friend struct {
	UserID    int64     `gorm:"primaryKey" json:"userId"`
	FriendID  int64     `gorm:"primaryKey" json:"friendId"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名
func (Friend) TableName() string {
	return "friends"
}

// MediaItem 离线期间登记的媒体任务（Mongo存储）
type MediaItem struct {
	ItemID    string    `bson:"item_id" json:"itemId"`
	UserID    int64     `bson:"user_id" json:"userId"`
	DeviceID  string    `bson:"device_id" json:"deviceId"`
	Kind      string    `bson:"kind" json:"kind"` // upload/download
	URL       string    `bson:"url,omitempty" json:"url,omitempty"`
	Status    string    `bson:"status" json:"status"` // pending/completed/failed
	Reason    string    `bson:"reason,omitempty" json:"reason,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// PendingMessage 客户端待同步消息
type PendingMessage struct {
	TempID   string `json:"tempId"`
	ChatID   int64  `json:"chatId"`
	Content  string `json:"content"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

// ReadReceipt 客户端提交的已读回执
type ReadReceipt struct {
	MessageID int64     `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
}

// SyncMessagesPayload sync_messages操作的载荷
type SyncMessagesPayload struct {
	LastSyncTime    time.Time        `json:"lastSyncTime"`
	PendingMessages []PendingMessage `json:"pendingMessages,omitempty"`
	ReadReceipts    []ReadReceipt    `json:"readReceipts,omitempty"`
}

// SyncMessagesResult sync_messages的处理结果，回推给发起设备
type SyncMessagesResult struct {
	Messages  []*Message       `json:"messages"`
	IDMapping map[string]int64 `json:"idMapping"` // 临时ID -> 服务端消息ID
	Conflicts []string         `json:"conflicts"` // 冲突的临时ID
	SyncedAt  time.Time        `json:"syncedAt"`
}

// LastReadPointer 客户端提交的会话已读位置
type LastReadPointer struct {
	ChatID int64     `json:"chatId"`
	ReadAt time.Time `json:"readAt"`
}

// SyncChatsPayload sync_chats操作的载荷
type SyncChatsPayload struct {
	LastSyncTime time.Time         `json:"lastSyncTime"`
	LastRead     []LastReadPointer `json:"lastRead,omitempty"`
}

// SyncChatsResult sync_chats的处理结果
type SyncChatsResult struct {
	Chats    []*Chat   `json:"chats"`
	SyncedAt time.Time `json:"syncedAt"`
}

// UpdateStatusPayload update_status操作的载荷
type UpdateStatusPayload struct {
	StatusPatch
}

// SyncMediaPayload sync_media操作的载荷
type SyncMediaPayload struct {
	ItemIDs []string `json:"itemIds,omitempty"` // 为空时处理该设备全部待办项
}

// MediaItemResult 单个媒体项的处理结果
type MediaItemResult struct {
	ItemID string `json:"itemId"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// SyncMediaResult sync_media的处理结果，逐项成功或失败
type SyncMediaResult struct {
	Items    []MediaItemResult `json:"items"`
	SyncedAt time.Time         `json:"syncedAt"`
}

// ResolveConflictPayload resolve_conflict操作的载荷
type ResolveConflictPayload struct {
	TempID     string `json:"tempId"`
	Resolution string `json:"resolution"`
}

// QueueDepths 队列深度统计
type QueueDepths struct {
	Queued     int64 `json:"queued"`
	Retry      int64 `json:"retry"`
	DeadLetter int64 `json:"deadLetter"`
	Conflicts  int64 `json:"conflicts"`
}

// SyncStats 对外暴露的运行统计
type SyncStats struct {
	InstanceID  string      `json:"instanceId"`
	Alive       bool        `json:"alive"`
	Workers     int         `json:"workers"`
	Depths      QueueDepths `json:"depths"`
	Connections int         `json:"connections"`
	OnlineUsers int         `json:"onlineUsers"`
	CollectedAt time.Time   `json:"collectedAt"`
}

// CallSignal 呼叫信令中转载荷，服务端不解析SDP/ICE内容
type CallSignal struct {
	CallID   string          `json:"callId"`
	Kind     string          `json:"kind"` // offer/answer/candidate
	FromUser int64           `json:"fromUser"`
	ToUser   int64           `json:"toUser"`
	Payload  json.RawMessage `json:"payload"`
}

// ClientFrame WebSocket上行帧
type ClientFrame struct {
	Type    string          `json:"type"` // typing.start/typing.stop/reaction/call.signal/room.join/room.leave/status.update
	ChatID  int64           `json:"chatId,omitempty"`
	Room    string          `json:"room,omitempty"`
	Call    *CallSignal     `json:"call,omitempty"`
	Status  *StatusPatch    `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerEvent WebSocket下行事件
type ServerEvent struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}
