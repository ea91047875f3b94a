// internal/api/websocket.go
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cinescript/cinescript/internal/services"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 本地单用户工具，不限制来源
		return true
	},
}

// WebSocketConnection 抽象底层连接，便于在测试中替换
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// WebSocketConnWrapper 包装真实的websocket.Conn以实现接口
type WebSocketConnWrapper struct {
	*websocket.Conn
}

// WorkspaceClient 一个连接到工作区的WebSocket客户端
type WorkspaceClient struct {
	conn      WebSocketConnection
	clientID  string
	send      chan []byte
	closed    int32 // 原子标志，0=开启 1=关闭
	lastPing  time.Time
	createdAt time.Time
}

// Close 安全关闭客户端连接
// send通道由写协程的defer负责关闭
func (client *WorkspaceClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 连接是否已关闭
func (client *WorkspaceClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后活跃时间
func (client *WorkspaceClient) UpdatePing() {
	client.lastPing = time.Now()
}

// IsExpired 连接是否超过活跃超时
func (client *WorkspaceClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return time.Since(client.lastPing) > timeout
}

// SendMessage 非阻塞发送，队列满时丢弃并告警
func (client *WorkspaceClient) SendMessage(message interface{}) error {
	if client.IsClosed() {
		return nil
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if client.IsClosed() {
		return nil
	}

	select {
	case client.send <- msgBytes:
		return nil
	default:
		log.Printf("⚠️ 客户端 %s 消息队列已满，消息被丢弃", client.clientID)
		return nil
	}
}

// WorkspaceHub 管理工作区的所有WebSocket连接
// 工作区全局只有一个房间，所有事件广播给全部客户端
type WorkspaceHub struct {
	clients       map[WebSocketConnection]*WorkspaceClient
	broadcast     chan []byte
	register      chan *WorkspaceClient
	unregister    chan *WorkspaceClient
	shutdownCh    chan bool
	mutex         sync.RWMutex
	pingTimeout   time.Duration
	cleanupTicker *time.Ticker
}

// 全局工作区连接管理器
var wsHub = &WorkspaceHub{
	clients:     make(map[WebSocketConnection]*WorkspaceClient),
	broadcast:   make(chan []byte, 256),
	register:    make(chan *WorkspaceClient, 256),
	unregister:  make(chan *WorkspaceClient, 256),
	shutdownCh:  make(chan bool, 1),
	pingTimeout: 60 * time.Second,
}

func init() {
	go wsHub.run()
}

// AttachWorkspaceEvents 把工作区事件接到WebSocket广播上
func AttachWorkspaceEvents(workspace *services.WorkspaceService) {
	workspace.RegisterEventSink(func(event services.WorkspaceEvent) {
		wsHub.BroadcastEvent(event)
	})
}

// run 管理器主循环
func (hub *WorkspaceHub) run() {
	hub.cleanupTicker = time.NewTicker(30 * time.Second)
	defer hub.cleanupTicker.Stop()

	for {
		select {
		case client := <-hub.register:
			hub.registerClient(client)

		case client := <-hub.unregister:
			hub.unregisterClient(client)

		case <-hub.cleanupTicker.C:
			hub.cleanupExpiredConnections()

		case message := <-hub.broadcast:
			hub.broadcastMessage(message)

		case <-hub.shutdownCh:
			hub.shutdown()
			return
		}
	}
}

func (hub *WorkspaceHub) registerClient(client *WorkspaceClient) {
	if client == nil {
		return
	}

	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	hub.clients[client.conn] = client
	client.UpdatePing()

	log.Printf("✅ WebSocket 客户端已连接 (客户端: %s)", client.clientID)
}

func (hub *WorkspaceHub) unregisterClient(client *WorkspaceClient) {
	if client == nil {
		return
	}

	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	delete(hub.clients, client.conn)
	if !client.IsClosed() {
		client.Close()
	}

	log.Printf("🔌 WebSocket 客户端已断开 (客户端: %s)", client.clientID)
}

// cleanupExpiredConnections 清理关闭和超时的连接
func (hub *WorkspaceHub) cleanupExpiredConnections() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	for conn, client := range hub.clients {
		if client.IsClosed() || client.IsExpired(hub.pingTimeout) {
			delete(hub.clients, conn)
			if !client.IsClosed() {
				client.Close()
			}
		}
	}
}

// BroadcastEvent 把工作区事件广播给所有客户端
func (hub *WorkspaceHub) BroadcastEvent(event services.WorkspaceEvent) {
	msgBytes, err := json.Marshal(event)
	if err != nil {
		log.Printf("❌ 序列化广播事件失败: %v", err)
		return
	}

	select {
	case hub.broadcast <- msgBytes:
	default:
		// 广播队列满时直接发送，避免丢事件
		hub.broadcastMessage(msgBytes)
	}
}

func (hub *WorkspaceHub) broadcastMessage(message []byte) {
	hub.mutex.RLock()
	activeClients := make([]*WorkspaceClient, 0, len(hub.clients))
	for _, client := range hub.clients {
		if !client.IsClosed() {
			activeClients = append(activeClients, client)
		}
	}
	hub.mutex.RUnlock()

	failedCount := 0
	for _, client := range activeClients {
		select {
		case client.send <- message:
		default:
			failedCount++
			if failedCount <= 5 {
				go func(c *WorkspaceClient) {
					c.Close()
					select {
					case hub.unregister <- c:
					case <-time.After(50 * time.Millisecond):
					}
				}(client)
			} else {
				client.Close()
			}
		}
	}
}

// shutdown 关闭所有连接
func (hub *WorkspaceHub) shutdown() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	log.Println("🛑 正在关闭 WebSocket 管理器...")
	for _, client := range hub.clients {
		client.Close()
	}
	hub.clients = make(map[WebSocketConnection]*WorkspaceClient)
	log.Println("✅ WebSocket 管理器已关闭")
}

// GetStatus 当前连接状态，用于诊断接口
func (hub *WorkspaceHub) GetStatus() map[string]interface{} {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()

	clients := make([]interface{}, 0, len(hub.clients))
	activeConnections := 0
	for _, client := range hub.clients {
		if client != nil && !client.IsClosed() {
			activeConnections++
			clients = append(clients, map[string]interface{}{
				"client_id":    client.clientID,
				"connected_at": client.createdAt.Format(time.RFC3339),
				"last_ping":    client.lastPing.Format(time.RFC3339),
			})
		}
	}

	return map[string]interface{}{
		"total_connections": activeConnections,
		"clients":           clients,
	}
}

// ReadJSON 读取JSON消息，兼容测试替身
func (w *WebSocketConnWrapper) ReadJSON(v interface{}) error {
	return w.Conn.ReadJSON(v)
}

// WriteJSON 写入JSON消息，兼容测试替身
func (w *WebSocketConnWrapper) WriteJSON(v interface{}) error {
	return w.Conn.WriteJSON(v)
}
