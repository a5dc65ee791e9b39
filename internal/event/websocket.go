package event

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// TopicSystem 用于只发给单个客户端的控制类事件。
const TopicSystem = "system"

// ControlMessage 是客户端发来的订阅控制消息。
type ControlMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// Connected 在连接建立后发送给客户端。
type Connected struct {
	ClientID string   `json:"clientId"`
	Topics   []string `json:"topics"`
}

func (Connected) Type() string  { return "connected" }
func (Connected) Topic() string { return TopicSystem }

// SubscriptionAck 确认订阅变更。
type SubscriptionAck struct {
	Action string   `json:"-"`
	Target string   `json:"topic"`
	OK     bool     `json:"ok"`
	Topics []string `json:"topics"`
}

func (a SubscriptionAck) Type() string { return a.Action + "d" }
func (SubscriptionAck) Topic() string  { return TopicSystem }

// HandleControl 解析控制消息并更新订阅，返回是否识别了该消息。
func (h *Hub) HandleControl(clientID string, raw []byte) bool {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.log.Debug("忽略无法解析的控制消息", slog.String("client_id", clientID), slog.Any("error", err))
		return false
	}
	topic := strings.TrimSpace(msg.Topic)
	var ok bool
	switch msg.Type {
	case "subscribe":
		ok = h.Subscribe(clientID, topic)
	case "unsubscribe":
		ok = h.Unsubscribe(clientID, topic)
	default:
		return false
	}
	client := h.client(clientID)
	if client == nil {
		return true
	}
	h.SendToClient(clientID, SubscriptionAck{Action: msg.Type, Target: topic, OK: ok, Topics: client.Topics()})
	return true
}

// WebSocketHandler 将 HTTP 连接升级为事件流。
type WebSocketHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建 websocket 入口。allowedOrigins 为空或包含 "*" 时接受任意来源。
func NewWebSocketHandler(hub *Hub, allowedOrigins []string) *WebSocketHandler {
	allowAll := len(allowedOrigins) == 0
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		origins[origin] = struct{}{}
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				_, ok := origins[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// ServeHTTP 实现 http.Handler。
func (w *WebSocketHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.hub.log.Warn("websocket 升级失败", slog.Any("error", err))
		return
	}
	client := w.hub.Register()
	w.hub.SendToClient(client.ID(), Connected{ClientID: client.ID(), Topics: client.Topics()})

	go w.writePump(conn, client)
	w.readPump(conn, client)
}

func (w *WebSocketHandler) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		w.hub.Unregister(client.ID())
		_ = conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.hub.log.Debug("websocket 读取失败", slog.String("client_id", client.ID()), slog.Any("error", err))
			}
			return
		}
		w.hub.HandleControl(client.ID(), raw)
	}
}

func (w *WebSocketHandler) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case payload, ok := <-client.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				w.hub.Unregister(client.ID())
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.hub.Unregister(client.ID())
				return
			}
		}
	}
}
