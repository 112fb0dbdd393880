package service

import (
	"sync/atomic"
	"testing"
	"time"

	"moodchat/pkg/logger"
)

func newTestRegistry(grace time.Duration) *Registry {
	return NewRegistry(grace, logger.GetLogger())
}

// TestSendToUserReachesAllDevices 事件投递到用户的每一条连接
func TestSendToUserReachesAllDevices(t *testing.T) {
	r := newTestRegistry(time.Second)
	c1 := &fakeConn{}
	c2 := &fakeConn{}
	r.Register(NewClientConn("conn-1", 1, "d1", c1))
	r.Register(NewClientConn("conn-2", 1, "d2", c2))

	delivered := r.SendToUser(1, "message.new", map[string]string{"content": "hi"})
	if delivered != 2 {
		t.Fatalf("应投递到2条连接，实际%d条", delivered)
	}
	if len(c1.events) != 1 || len(c2.events) != 1 {
		t.Error("每条连接都应收到事件")
	}

	// 不在线的用户静默丢弃
	if got := r.SendToUser(99, "message.new", nil); got != 0 {
		t.Errorf("不在线用户投递数应为0，实际%d", got)
	}
}

// TestSendToUserExceptSkipsDevice 指定设备被排除在投递之外
func TestSendToUserExceptSkipsDevice(t *testing.T) {
	r := newTestRegistry(time.Second)
	origin := &fakeConn{}
	other := &fakeConn{}
	r.Register(NewClientConn("conn-1", 1, "d1", origin))
	r.Register(NewClientConn("conn-2", 1, "d2", other))

	delivered := r.SendToUserExcept(1, "d1", "message.new", nil)
	if delivered != 1 {
		t.Fatalf("应只投递到1条连接，实际%d条", delivered)
	}
	if len(origin.events) != 0 {
		t.Error("被排除的设备不应收到事件")
	}
	if len(other.events) != 1 {
		t.Error("其他设备应收到事件")
	}
}

// TestWriteFailureDoesNotBlockFanout 单条连接写失败不影响其他连接
func TestWriteFailureDoesNotBlockFanout(t *testing.T) {
	r := newTestRegistry(time.Second)
	bad := &fakeConn{fail: true}
	good := &fakeConn{}
	r.Register(NewClientConn("conn-1", 1, "d1", bad))
	r.Register(NewClientConn("conn-2", 1, "d2", good))

	delivered := r.SendToUser(1, "message.new", nil)
	if delivered != 1 {
		t.Fatalf("写失败的连接不计入投递数，实际%d", delivered)
	}
	if len(good.events) != 1 {
		t.Error("正常连接应收到事件")
	}
}

// TestRegisterReportsFirstConnection 只有离线转在线才返回true
func TestRegisterReportsFirstConnection(t *testing.T) {
	r := newTestRegistry(time.Second)

	if !r.Register(NewClientConn("conn-1", 1, "d1", &fakeConn{})) {
		t.Error("首条连接应返回true")
	}
	if r.Register(NewClientConn("conn-2", 1, "d2", &fakeConn{})) {
		t.Error("已在线用户的新连接应返回false")
	}
}

// TestGracePeriodSuppressesFlapping 宽限期内重连不触发离线，重连也不算重新上线
func TestGracePeriodSuppressesFlapping(t *testing.T) {
	r := newTestRegistry(100 * time.Millisecond)
	var offlineCalls int32
	r.SetOfflineCallback(func(userID int64) {
		atomic.AddInt32(&offlineCalls, 1)
	})

	conn := NewClientConn("conn-1", 1, "d1", &fakeConn{})
	r.Register(conn)
	r.Unregister(conn)

	// 宽限期内重连
	time.Sleep(20 * time.Millisecond)
	if first := r.Register(NewClientConn("conn-2", 1, "d1", &fakeConn{})); first {
		t.Error("宽限期内重连不应视为重新上线")
	}

	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&offlineCalls); n != 0 {
		t.Errorf("宽限期内重连不应触发离线回调，实际触发%d次", n)
	}
}

// TestGracePeriodExpiryDeclaresOffline 宽限期到期且未重连才算离线
func TestGracePeriodExpiryDeclaresOffline(t *testing.T) {
	r := newTestRegistry(50 * time.Millisecond)
	offline := make(chan int64, 1)
	r.SetOfflineCallback(func(userID int64) {
		offline <- userID
	})

	conn := NewClientConn("conn-1", 1, "d1", &fakeConn{})
	r.Register(conn)
	if !r.IsOnline(1) {
		t.Fatal("注册后应在线")
	}
	r.Unregister(conn)
	if !r.IsOnline(1) {
		t.Error("宽限期内仍应视为在线")
	}

	select {
	case userID := <-offline:
		if userID != 1 {
			t.Errorf("离线回调用户应为1，实际%d", userID)
		}
	case <-time.After(time.Second):
		t.Fatal("宽限期到期后应触发离线回调")
	}
	if r.IsOnline(1) {
		t.Error("宽限期到期后应离线")
	}
}

// TestMultiDeviceDisconnectKeepsOnline 还有其他设备在线时断开一条连接不进宽限期
func TestMultiDeviceDisconnectKeepsOnline(t *testing.T) {
	r := newTestRegistry(50 * time.Millisecond)
	var offlineCalls int32
	r.SetOfflineCallback(func(int64) {
		atomic.AddInt32(&offlineCalls, 1)
	})

	c1 := NewClientConn("conn-1", 1, "d1", &fakeConn{})
	c2 := NewClientConn("conn-2", 1, "d2", &fakeConn{})
	r.Register(c1)
	r.Register(c2)
	r.Unregister(c1)

	time.Sleep(150 * time.Millisecond)
	if !r.IsOnline(1) {
		t.Error("还有设备在线时用户应保持在线")
	}
	if n := atomic.LoadInt32(&offlineCalls); n != 0 {
		t.Errorf("不应触发离线回调，实际触发%d次", n)
	}
}

// TestBroadcastToRoomExcludesUser 房间广播可排除发起人，注销连接自动退房
func TestBroadcastToRoomExcludesUser(t *testing.T) {
	r := newTestRegistry(time.Second)
	sender := &fakeConn{}
	member := &fakeConn{}
	senderConn := NewClientConn("conn-1", 1, "d1", sender)
	memberConn := NewClientConn("conn-2", 2, "p1", member)
	r.Register(senderConn)
	r.Register(memberConn)
	r.JoinRoom(senderConn, "chat:10")
	r.JoinRoom(memberConn, "chat:10")

	delivered := r.BroadcastToRoom("chat:10", "typing.start", nil, 1)
	if delivered != 1 {
		t.Fatalf("应只投递到1条连接，实际%d条", delivered)
	}
	if len(sender.events) != 0 {
		t.Error("发起人不应收到自己的打字提示")
	}
	if len(member.events) != 1 {
		t.Error("房间成员应收到打字提示")
	}

	r.Unregister(memberConn)
	if got := r.BroadcastToRoom("chat:10", "typing.stop", nil, 0); got != 1 {
		t.Errorf("注销的连接应自动退房，实际投递%d条", got)
	}
}

// TestConnectionCount 连接计数
func TestConnectionCount(t *testing.T) {
	r := newTestRegistry(time.Second)
	c1 := NewClientConn("conn-1", 1, "d1", &fakeConn{})
	c2 := NewClientConn("conn-2", 2, "d1", &fakeConn{})
	r.Register(c1)
	r.Register(c2)
	if r.ConnectionCount() != 2 {
		t.Errorf("连接数应为2，实际%d", r.ConnectionCount())
	}
	r.Unregister(c1)
	if r.ConnectionCount() != 1 {
		t.Errorf("连接数应为1，实际%d", r.ConnectionCount())
	}
}
