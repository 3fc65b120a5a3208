package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHub(t *testing.T) {
	hub := NewHub(nil)
	assert.NotNil(t, hub)
	assert.Equal(t, int64(100000), hub.config.MaxConnections)
	assert.Equal(t, 30*time.Second, hub.config.HeartbeatInterval)

	hub.Close()
}

func TestHubConnectionManagement(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	// 测试连接注册
	conn := &Connection{
		ID:       "test_conn_1",
		UserID:   "runner_1",
		IsAlive:  true,
		Sessions: make(map[string]bool),
		Metadata: make(map[string]interface{}),
	}

	hub.register <- conn
	time.Sleep(100 * time.Millisecond) // 等待处理

	assert.Equal(t, int64(1), hub.GetConnectionCount())
	assert.Equal(t, 1, hub.GetUserConnections("runner_1"))

	// 测试连接注销
	hub.unregister <- conn
	time.Sleep(100 * time.Millisecond) // 等待处理

	assert.Equal(t, int64(0), hub.GetConnectionCount())
	assert.Equal(t, 0, hub.GetUserConnections("runner_1"))
}

func TestHubSessionRoomManagement(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn1 := &Connection{
		ID:       "test_conn_1",
		UserID:   "runner_1",
		IsAlive:  true,
		Sessions: make(map[string]bool),
		Metadata: make(map[string]interface{}),
		Hub:      hub,
	}

	conn2 := &Connection{
		ID:       "test_conn_2",
		UserID:   "runner_2",
		IsAlive:  true,
		Sessions: make(map[string]bool),
		Metadata: make(map[string]interface{}),
		Hub:      hub,
	}

	// 注册连接
	hub.register <- conn1
	hub.register <- conn2
	time.Sleep(100 * time.Millisecond)

	// 加入会话房间
	conn1.JoinSession("sess-1")
	conn2.JoinSession("sess-1")
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 2, hub.GetSessionConnections("sess-1"))

	// 离开会话房间
	conn1.LeaveSession("sess-1")
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, hub.GetSessionConnections("sess-1"))

	// 清理
	hub.unregister <- conn1
	hub.unregister <- conn2
	time.Sleep(100 * time.Millisecond)
}

func TestHubOfflineHandlerFiresOnLastDisconnect(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	offline := make(chan string, 1)
	hub.SetOfflineHandler(func(userID string) { offline <- userID })

	// 同一用户的两个并存连接
	conn1 := &Connection{ID: "c1", UserID: "runner_1", IsAlive: true, Sessions: map[string]bool{}, Metadata: map[string]interface{}{}}
	conn2 := &Connection{ID: "c2", UserID: "runner_1", IsAlive: true, Sessions: map[string]bool{}, Metadata: map[string]interface{}{}}
	hub.register <- conn1
	hub.register <- conn2
	time.Sleep(100 * time.Millisecond)

	// 第一个连接断开不触发
	hub.unregister <- conn1
	time.Sleep(100 * time.Millisecond)
	select {
	case <-offline:
		t.Fatal("offline handler fired while user still connected")
	default:
	}

	// 最后一个连接断开才触发
	hub.unregister <- conn2
	select {
	case userID := <-offline:
		assert.Equal(t, "runner_1", userID)
	case <-time.After(time.Second):
		t.Fatal("offline handler not fired")
	}
}

func TestSendToUserAndSession(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn := &Connection{
		ID:       "c1",
		UserID:   "runner_1",
		IsAlive:  true,
		Send:     make(chan []byte, 8),
		Sessions: map[string]bool{"sess-1": true},
		Metadata: map[string]interface{}{},
		Hub:      hub,
	}
	hub.register <- conn
	time.Sleep(100 * time.Millisecond)

	hub.SendToUser("runner_1", &Message{Type: MessageTypeRunnerStatus, Data: "MOVING"})
	hub.SendToSession("sess-1", &Message{Type: MessageTypeLocationUpdate, Data: map[string]interface{}{"lat": 39.9}})
	time.Sleep(100 * time.Millisecond)

	require.Len(t, conn.Send, 2)
	var msg Message
	require.NoError(t, json.Unmarshal(<-conn.Send, &msg))
	assert.Equal(t, MessageTypeRunnerStatus, msg.Type)
}

func TestConnectionSessionOperations(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn := &Connection{
		ID:       "test_conn_1",
		UserID:   "runner_1",
		IsAlive:  true,
		Sessions: make(map[string]bool),
		Metadata: make(map[string]interface{}),
		Hub:      hub,
	}

	conn.JoinSession("sess-1")
	conn.JoinSession("sess-2")

	sessions := conn.GetSessions()
	assert.Len(t, sessions, 2)
	assert.Contains(t, sessions, "sess-1")
	assert.Contains(t, sessions, "sess-2")

	assert.True(t, conn.IsInSession("sess-1"))
	assert.False(t, conn.IsInSession("sess-3"))

	conn.LeaveSession("sess-1")
	assert.False(t, conn.IsInSession("sess-1"))
	assert.True(t, conn.IsInSession("sess-2"))
}

func TestWebSocketHandler(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	handler := NewHandler(hub)

	// 测试获取统计信息
	req := httptest.NewRequest("GET", "/ws/stats", nil)
	w := httptest.NewRecorder()

	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	handler.GetStats(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Contains(t, response, "total_connections")
}

func TestConfigValidation(t *testing.T) {
	// 测试有效配置
	err := ValidateConfig(DefaultConfig())
	assert.NoError(t, err)

	// 测试无效配置
	invalidConfig := &Config{
		MaxConnections:    0,
		HeartbeatInterval: 60 * time.Second,
		ConnectionTimeout: 30 * time.Second,
	}

	err = ValidateConfig(invalidConfig)
	assert.Error(t, err)
}
