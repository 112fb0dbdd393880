package model

import "time"

// 同步操作类型
const (
	OpSyncMessages    = "sync_messages"
	OpSyncChats       = "sync_chats"
	OpUpdateStatus    = "update_status"
	OpSyncMedia       = "sync_media"
	OpResolveConflict = "resolve_conflict"
)

// ValidOperations 合法的操作类型集合
var ValidOperations = map[string]bool{
	OpSyncMessages:    true,
	OpSyncChats:       true,
	OpUpdateStatus:    true,
	OpSyncMedia:       true,
	OpResolveConflict: true,
}

// 实时事件名称
const (
	EventPresenceChanged  = "presence.changed"
	EventNewMessage       = "message.new"
	EventMessageReaction  = "message.reaction"
	EventTypingStart      = "typing.start"
	EventTypingStop       = "typing.stop"
	EventCallOffer        = "call.offer"
	EventCallAnswer       = "call.answer"
	EventCallCandidate    = "call.candidate"
	EventCallUnreachable  = "call.unreachable"
	EventGroupMembership  = "group.membership"
	EventSyncResponse     = "sync.response"
	EventConflictDetected = "sync.conflict"
	EventConflictResolved = "sync.conflict_resolved"
)

// 在线状态枚举
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
	StatusCustom  = "custom"
)

// 冲突类型
const (
	ConflictDuplicateMessage = "message_duplicate"
	ConflictDuplicateMedia   = "media_duplicate"
)

// 冲突解决方式
const (
	ResolutionUseClient = "use_client"
	ResolutionUseServer = "use_server"
	ResolutionMerge     = "merge"
)

// SupportedResolutions 每种冲突类型声明自己支持的解决方式，
// 未声明的解决方式一律拒绝
var SupportedResolutions = map[string][]string{
	ConflictDuplicateMessage: {ResolutionUseClient, ResolutionUseServer},
	ConflictDuplicateMedia:   {ResolutionUseClient, ResolutionUseServer},
}

// ResolutionSupported 判断冲突类型是否支持某解决方式
func ResolutionSupported(conflictType, resolution string) bool {
	for _, r := range SupportedResolutions[conflictType] {
		if r == resolution {
			return true
		}
	}
	return false
}

// 呼叫信令类型
const (
	CallSignalOffer     = "offer"
	CallSignalAnswer    = "answer"
	CallSignalCandidate = "candidate"
)

// Redis key格式
const (
	UserJobsKeyFmt     = "sync:jobs:%d"        // 每用户任务列表
	QueueReadyKey      = "sync:queue:ready"    // 待处理用户列表
	UserScheduledFmt   = "sync:queue:sched:%d" // 用户已入队标记
	InflightKeyFmt     = "sync:inflight:%d"    // 已出队待确认的任务
	RetryQueueKey      = "sync:queue:retry"    // 重试有序集合，score为可见时间
	DeadLetterKeyFmt   = "sync:deadletter:%d"  // 每用户死信列表
	SyncCursorKeyFmt   = "sync:cursor:%d"      // 每用户同步游标hash，field为设备ID
	LastRequestKeyFmt  = "sync:lastreq:%d"     // 用户最近一次同步请求时间
	ConflictKeyFmt     = "sync:conflict:%d:%s" // 冲突记录
	ConflictKeyPattern = "sync:conflict:*"
	UserJobsKeyPattern = "sync:jobs:*"
	InflightPattern    = "sync:inflight:*"
	DeadLetterPattern  = "sync:deadletter:*"
	LastRequestPattern = "sync:lastreq:*"

	PresenceKeyFmt = "presence:%d" // 在线状态hash
	OnlineUsersKey = "online_users"

	ProcessorsKey       = "sync:processors"     // 活跃处理器有序集合
	ProcessorInstFmt    = "sync:processor:%s"   // 处理器实例信息hash
	ProcessorHeartbeatD = 10 * time.Second      // 心跳间隔
	ProcessorExpireD    = 40 * time.Second      // 实例信息过期时间
)

// PresenceTTL 在线状态记录的过期时间
const PresenceTTL = 24 * time.Hour

// UserScheduledTTL 排队标记的过期时间。
// 正常流程里标记由Dequeue续期、Finish释放；持有者崩溃后标记过期，
// 维护循环据此回收未确认任务并重新排队，也是崩溃后重投递延迟的上限
const UserScheduledTTL = 2 * time.Minute
