package service

import (
	"context"
	"sync"
	"time"

	"moodchat/apps/sync-service/model"
	"moodchat/pkg/logger"
)

// EventWriter 连接句柄需要的最小写接口，*websocket.Conn天然满足
type EventWriter interface {
	WriteJSON(v interface{}) error
	Close() error
}

// ClientConn 一条客户端连接的句柄
type ClientConn struct {
	ID       string
	UserID   int64
	DeviceID string

	conn  EventWriter
	mu    sync.Mutex // gorilla连接不允许并发写
	rooms map[string]struct{}
}

// NewClientConn 创建连接句柄
func NewClientConn(id string, userID int64, deviceID string, conn EventWriter) *ClientConn {
	return &ClientConn{
		ID:       id,
		UserID:   userID,
		DeviceID: deviceID,
		conn:     conn,
		rooms:    make(map[string]struct{}),
	}
}

// SendEvent 向该连接写一条事件
func (c *ClientConn) SendEvent(event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(model.ServerEvent{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// Close 关闭底层连接
func (c *ClientConn) Close() error {
	return c.conn.Close()
}

// Registry 连接注册表 - 用户与活跃连接的双向映射
// 进程内投递的唯一权威，跨进程在线状态以PresenceStore为准
type Registry struct {
	mu    sync.RWMutex
	users map[int64]map[string]*ClientConn  // userID -> connID -> conn
	rooms map[string]map[string]*ClientConn // room -> connID -> conn
	grace map[int64]*time.Timer             // 掉线宽限期定时器

	gracePeriod time.Duration
	onOffline   func(userID int64) // 宽限期到期且无重连时回调
	log         logger.Logger
}

// NewRegistry 创建连接注册表
func NewRegistry(gracePeriod time.Duration, log logger.Logger) *Registry {
	return &Registry{
		users:       make(map[int64]map[string]*ClientConn),
		rooms:       make(map[string]map[string]*ClientConn),
		grace:       make(map[int64]*time.Timer),
		gracePeriod: gracePeriod,
		log:         log,
	}
}

// SetOfflineCallback 设置宽限期到期回调
func (r *Registry) SetOfflineCallback(fn func(userID int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOffline = fn
}

// Register 注册连接，重复注册同一连接是幂等的。
// 返回true表示用户从离线转为在线（宽限期内重连不算）
func (r *Registry) Register(conn *ClientConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 宽限期内重连，取消离线定时器，不触发状态广播
	wasGracing := false
	if timer, ok := r.grace[conn.UserID]; ok {
		timer.Stop()
		delete(r.grace, conn.UserID)
		wasGracing = true
	}

	conns, ok := r.users[conn.UserID]
	if !ok {
		conns = make(map[string]*ClientConn)
		r.users[conn.UserID] = conns
	}
	wasEmpty := len(conns) == 0
	conns[conn.ID] = conn

	return wasEmpty && !wasGracing
}

// Unregister 注销连接。最后一条连接断开时进入宽限期，
// 宽限期内无重连才declare离线
func (r *Registry) Unregister(conn *ClientConn) {
	r.mu.Lock()

	if conns, ok := r.users[conn.UserID]; ok {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(r.users, conn.UserID)
			r.startGraceLocked(conn.UserID)
		}
	}
	for room := range conn.rooms {
		if members, ok := r.rooms[room]; ok {
			delete(members, conn.ID)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}

	r.mu.Unlock()
}

// startGraceLocked 启动宽限期定时器，调用方需持有锁
func (r *Registry) startGraceLocked(userID int64) {
	if timer, ok := r.grace[userID]; ok {
		timer.Stop()
	}
	r.grace[userID] = time.AfterFunc(r.gracePeriod, func() {
		r.mu.Lock()
		_, stillGracing := r.grace[userID]
		_, reconnected := r.users[userID]
		delete(r.grace, userID)
		callback := r.onOffline
		r.mu.Unlock()

		if stillGracing && !reconnected && callback != nil {
			callback(userID)
		}
	})
}

// JoinRoom 订阅房间
func (r *Registry) JoinRoom(conn *ClientConn, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*ClientConn)
		r.rooms[room] = members
	}
	members[conn.ID] = conn
	conn.rooms[room] = struct{}{}
}

// LeaveRoom 退订房间
func (r *Registry) LeaveRoom(conn *ClientConn, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.rooms[room]; ok {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(conn.rooms, room)
}

// SendToUser 投递事件到用户的所有活跃连接，
// 用户不在线时静默丢弃（在线广播是尽力而为）。返回投递的连接数
func (r *Registry) SendToUser(userID int64, event string, payload interface{}) int {
	return r.sendToUser(userID, "", event, payload)
}

// SendToUserExcept 投递事件到用户除指定设备外的连接
func (r *Registry) SendToUserExcept(userID int64, exceptDeviceID, event string, payload interface{}) int {
	return r.sendToUser(userID, exceptDeviceID, event, payload)
}

func (r *Registry) sendToUser(userID int64, exceptDeviceID, event string, payload interface{}) int {
	// 先取句柄快照，写操作在锁外进行
	r.mu.RLock()
	conns := make([]*ClientConn, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		if exceptDeviceID != "" && c.DeviceID == exceptDeviceID {
			continue
		}
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if err := c.SendEvent(event, payload); err != nil {
			r.log.Warn(context.Background(), "连接写入失败",
				logger.F("userID", userID),
				logger.F("connID", c.ID),
				logger.F("error", err.Error()))
			continue
		}
		delivered++
	}
	return delivered
}

// SendToDevice 投递事件到用户的指定设备，返回是否送达
func (r *Registry) SendToDevice(userID int64, deviceID, event string, payload interface{}) bool {
	r.mu.RLock()
	var targets []*ClientConn
	for _, c := range r.users[userID] {
		if c.DeviceID == deviceID {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	delivered := false
	for _, c := range targets {
		if err := c.SendEvent(event, payload); err == nil {
			delivered = true
		}
	}
	return delivered
}

// BroadcastToRoom 向房间内所有连接广播，可排除指定用户（如打字提示的发起人）
func (r *Registry) BroadcastToRoom(room, event string, payload interface{}, excludeUser int64) int {
	r.mu.RLock()
	conns := make([]*ClientConn, 0, len(r.rooms[room]))
	for _, c := range r.rooms[room] {
		if excludeUser != 0 && c.UserID == excludeUser {
			continue
		}
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if err := c.SendEvent(event, payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// IsOnline 用户在本进程是否可达（宽限期内视为在线）
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.users[userID]) > 0 {
		return true
	}
	_, gracing := r.grace[userID]
	return gracing
}

// ConnectionCount 当前活跃连接数
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, conns := range r.users {
		total += len(conns)
	}
	return total
}

// CloseAll 关闭所有连接（服务退出时调用）
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, conns := range r.users {
		for _, c := range conns {
			_ = c.Close()
		}
		delete(r.users, userID)
	}
	for userID, timer := range r.grace {
		timer.Stop()
		delete(r.grace, userID)
	}
	r.rooms = make(map[string]map[string]*ClientConn)
}
