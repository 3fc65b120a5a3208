package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// newUpgrader 根据配置创建WebSocket升级器
func newUpgrader(cfg *Config) websocket.Upgrader {
	up := websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			// 在生产环境中应该检查Origin
			return true
		},
		EnableCompression: cfg.EnableCompression,
	}
	return up
}

// HandleWebSocket 处理WebSocket连接，sessionID 非空时直接入房间
func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request, userID, sessionID string) {
	// 升级HTTP连接为WebSocket
	upgrader := newUpgrader(hub.config)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("WebSocket升级失败: %v", err)
		return
	}

	// 压缩设置
	if hub.config.EnableCompression {
		conn.EnableWriteCompression(true)
		if hub.config.CompressionLevel != 0 {
			_ = conn.SetCompressionLevel(hub.config.CompressionLevel)
		}
	}

	// 创建连接实例
	connection := &Connection{
		ID:       generateConnectionID(),
		UserID:   userID,
		Conn:     conn,
		Send:     make(chan []byte, hub.config.MessageBufferSize),
		Hub:      hub,
		LastPing: time.Now(),
		IsAlive:  true,
		Sessions: make(map[string]bool),
		Metadata: make(map[string]interface{}),
	}
	if sessionID != "" {
		connection.Sessions[sessionID] = true
	}

	// 注册连接到Hub
	hub.register <- connection

	// 启动读写协程
	go connection.writePump()
	go connection.readPump()
}

// generateConnectionID 生成唯一的连接ID
func generateConnectionID() string {
	return fmt.Sprintf("conn_%d", time.Now().UnixNano())
}

// readPump 读取消息的协程
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(int64(c.Hub.config.MaxMessageSize))
	c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket读取错误: %v", err)
			}
			break
		}

		// 处理接收到的消息
		c.handleMessage(message)
	}
}

// writePump 发送消息的协程
func (c *Connection) writePump() {
	var ticker *time.Ticker
	if !c.Hub.config.EnableGlobalPing {
		interval := c.Hub.config.HeartbeatInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		pingEvery := time.Duration(float64(interval) * 0.9)
		ticker = time.NewTicker(pingEvery)
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// 将队列中的其他消息也一起发送
			n := len(c.Send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-func() <-chan time.Time {
			if ticker != nil {
				return ticker.C
			}
			return make(chan time.Time)
		}():
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Connection) handleMessage(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		logrus.Errorf("消息解析失败: %v", err)
		return
	}

	// 设置发送者ID
	msg.From = c.UserID

	// 根据消息类型处理
	switch msg.Type {
	case MessageTypePing:
		c.handlePing()
	case MessageTypeJoinSession:
		c.handleJoinSession(msg)
	case MessageTypeLeaveSession:
		c.handleLeaveSession(msg)
	default:
		logrus.Warnf("未知的消息类型: %s", msg.Type)
	}
}

// handlePing 处理ping消息
func (c *Connection) handlePing() {
	c.mu.Lock()
	c.LastPing = time.Now()
	c.mu.Unlock()

	// 发送pong响应
	response := Message{
		Type:      MessageTypePong,
		Timestamp: time.Now().Unix(),
	}

	data, _ := json.Marshal(response)
	select {
	case c.Send <- data:
	default:
		logrus.Warnf("连接 %s 发送缓冲区已满", c.ID)
	}
}

// handleJoinSession 处理加入会话房间消息
func (c *Connection) handleJoinSession(msg Message) {
	sessionID, ok := msg.Data.(string)
	if !ok {
		logrus.Warnf("无效的会话ID: %v", msg.Data)
		return
	}

	c.JoinSession(sessionID)

	// 发送确认消息
	response := Message{
		Type:      MessageTypeSessionJoined,
		Data:      sessionID,
		Timestamp: time.Now().Unix(),
	}

	data, _ := json.Marshal(response)
	select {
	case c.Send <- data:
	default:
		logrus.Warnf("连接 %s 发送缓冲区已满", c.ID)
	}

	logrus.Infof("用户 %s 加入会话 %s", c.UserID, sessionID)
}

// handleLeaveSession 处理离开会话房间消息
func (c *Connection) handleLeaveSession(msg Message) {
	sessionID, ok := msg.Data.(string)
	if !ok {
		logrus.Warnf("无效的会话ID: %v", msg.Data)
		return
	}

	c.LeaveSession(sessionID)

	// 发送确认消息
	response := Message{
		Type:      MessageTypeSessionLeft,
		Data:      sessionID,
		Timestamp: time.Now().Unix(),
	}

	data, _ := json.Marshal(response)
	select {
	case c.Send <- data:
	default:
		logrus.Warnf("连接 %s 发送缓冲区已满", c.ID)
	}

	logrus.Infof("用户 %s 离开会话 %s", c.UserID, sessionID)
}

// SendMessage 发送消息给当前连接
func (c *Connection) SendMessage(message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case c.Send <- data:
		return nil
	default:
		return fmt.Errorf("发送缓冲区已满")
	}
}

// JoinSession 加入会话房间
func (c *Connection) JoinSession(sessionID string) {
	c.mu.Lock()
	c.Sessions[sessionID] = true
	c.mu.Unlock()

	// 通知Hub更新会话房间映射
	c.Hub.mu.Lock()
	if c.Hub.sessionConnections[sessionID] == nil {
		c.Hub.sessionConnections[sessionID] = make(map[string]bool)
	}
	c.Hub.sessionConnections[sessionID][c.ID] = true
	c.Hub.mu.Unlock()
}

// LeaveSession 离开会话房间
func (c *Connection) LeaveSession(sessionID string) {
	c.mu.Lock()
	delete(c.Sessions, sessionID)
	c.mu.Unlock()

	// 通知Hub更新会话房间映射
	c.Hub.mu.Lock()
	if c.Hub.sessionConnections[sessionID] != nil {
		delete(c.Hub.sessionConnections[sessionID], c.ID)
		if len(c.Hub.sessionConnections[sessionID]) == 0 {
			delete(c.Hub.sessionConnections, sessionID)
		}
	}
	c.Hub.mu.Unlock()
}

// IsInSession 检查是否在指定会话房间中
func (c *Connection) IsInSession(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sessions[sessionID]
}

// GetSessions 获取连接所在的会话房间
func (c *Connection) GetSessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sessions := make([]string, 0, len(c.Sessions))
	for session := range c.Sessions {
		sessions = append(sessions, session)
	}
	return sessions
}
