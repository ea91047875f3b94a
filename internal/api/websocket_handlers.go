// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cinescript/cinescript/internal/services"
)

// WebSocketHandler 处理工作区的WebSocket连接
type WebSocketHandler struct {
	workspace *services.WorkspaceService
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(workspace *services.WorkspaceService) *WebSocketHandler {
	return &WebSocketHandler{
		workspace: workspace,
	}
}

// WorkspaceWebSocket 建立工作区事件推送连接
// 连接建立后立即下发一次完整工作区视图用于初始同步
func (wh *WebSocketHandler) WorkspaceWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	client := &WorkspaceClient{
		conn:      &WebSocketConnWrapper{conn},
		clientID:  uuid.NewString()[:8],
		send:      make(chan []byte, 256),
		lastPing:  time.Now(),
		createdAt: time.Now(),
	}

	select {
	case wsHub.register <- client:
	default:
		log.Printf("❌ 无法注册 WebSocket 客户端，注册通道已满")
		return
	}

	defer func() {
		done := make(chan bool, 1)
		go func() {
			wsHub.unregister <- client
			done <- true
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Printf("⚠️ WebSocket 客户端注销超时")
		}
	}()

	readsDone := make(chan struct{})
	go wh.handleWrites(client)
	go func() {
		wh.handleReads(client)
		close(readsDone)
	}()

	client.SendMessage(map[string]interface{}{
		"type":      "connected",
		"client_id": client.clientID,
		"timestamp": time.Now().Format(time.RFC3339),
		"payload":   wh.workspace.Snapshot(),
	})

	// 劫持后的连接不保证请求上下文随断开取消，以读取协程退出为准
	select {
	case <-readsDone:
	case <-c.Request.Context().Done():
	}
	log.Printf("📱 WebSocket 连接已关闭 (客户端: %s)", client.clientID)
}

// handleReads 读取客户端消息
func (wh *WebSocketHandler) handleReads(client *WorkspaceClient) {
	defer func() {
		if !client.IsClosed() {
			select {
			case wsHub.unregister <- client:
			case <-time.After(1 * time.Second):
				log.Printf("⚠️ 读取协程关闭时注销超时")
			}
		}
	}()

	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if client.IsClosed() {
			break
		}

		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, messageBytes, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket 读取错误: %v", err)
			}
			break
		}

		var message map[string]interface{}
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			log.Printf("⚠️ JSON解析失败: %v", err)
			continue
		}

		client.UpdatePing()
		wh.handleMessage(client, message)
	}
}

// handleWrites 把send队列里的消息写到连接上，并定期发ping
func (wh *WebSocketHandler) handleWrites(client *WorkspaceClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		atomic.StoreInt32(&client.closed, 1)
		func() {
			defer func() {
				recover()
			}()
			close(client.send)
		}()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			if client.IsClosed() {
				return
			}

			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("❌ WebSocket 写入失败: %v", err)
				return
			}

		case <-ticker.C:
			if client.IsClosed() {
				return
			}

			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			client.UpdatePing()
		}
	}
}

// handleMessage 分发客户端消息
func (wh *WebSocketHandler) handleMessage(client *WorkspaceClient, message map[string]interface{}) {
	msgType, ok := message["type"].(string)
	if !ok {
		log.Printf("⚠️ 收到无效的消息类型")
		return
	}

	switch msgType {
	case "ping":
		client.SendMessage(map[string]interface{}{
			"type":      "pong",
			"timestamp": time.Now().Unix(),
		})

	case "snapshot":
		// 客户端主动请求一次完整视图
		client.SendMessage(map[string]interface{}{
			"type":    "snapshot",
			"payload": wh.workspace.Snapshot(),
		})

	case "save_all":
		// 保存结果通过事件广播送达所有客户端
		wh.workspace.SaveAll()

	default:
		log.Printf("⚠️ 未知的消息类型: %s", msgType)
	}
}
