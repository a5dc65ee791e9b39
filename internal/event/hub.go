package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"AutoTrader-Chain/internal/observability/metrics"
	"AutoTrader-Chain/pkg/logger"
)

const (
	defaultClientBuffer = 64
	defaultRelayBuffer  = 256
)

// Client 表示一个已连接的事件订阅者。
type Client struct {
	id   string
	send chan []byte

	mu     sync.RWMutex
	topics map[string]struct{}
}

// ID 返回客户端标识。
func (c *Client) ID() string { return c.id }

// Messages 返回待发送给客户端的已编码信封。
func (c *Client) Messages() <-chan []byte { return c.send }

// Topics 返回当前订阅的主题，按字母序排列。
func (c *Client) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (c *Client) matches(ev Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.topics[TopicAll]; ok {
		return true
	}
	if _, ok := c.topics[ev.Topic()]; ok {
		return true
	}
	_, ok := c.topics[ev.Type()]
	return ok
}

// Hub 将事件扇出给所有匹配的客户端。投递是非阻塞的：
// 客户端缓冲区已满时该客户端丢弃本次事件。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	buffer  int
	now     func() time.Time
	metrics *metrics.Metrics
	log     *slog.Logger

	relay   Relay
	relayCh chan []byte
}

// Option 配置 Hub。
type Option func(*Hub)

// WithClientBuffer 设置每个客户端的发送缓冲大小。
func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.buffer = size
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithMetrics 记录广播与丢弃次数。
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithRelay 将每个已脱敏的信封异步镜像到 relay，需要调用 Run 启动转发。
func WithRelay(relay Relay, buffer int) Option {
	return func(h *Hub) {
		if relay == nil {
			return
		}
		if buffer <= 0 {
			buffer = defaultRelayBuffer
		}
		h.relay = relay
		h.relayCh = make(chan []byte, buffer)
	}
}

// NewHub 创建事件中心。
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients: make(map[string]*Client),
		buffer:  defaultClientBuffer,
		now:     time.Now,
		log:     logger.Named("event"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register 创建并登记一个默认订阅 "all" 的客户端。
func (h *Hub) Register() *Client {
	client := &Client{
		id:     uuid.NewString(),
		send:   make(chan []byte, h.buffer),
		topics: map[string]struct{}{TopicAll: {}},
	}
	h.mu.Lock()
	h.clients[client.id] = client
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetClients(count)
	h.log.Debug("客户端已连接", slog.String("client_id", client.id))
	return client
}

// Unregister 移除客户端并关闭其发送通道，重复调用是安全的。
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	client, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.metrics.SetClients(count)
		h.log.Debug("客户端已断开", slog.String("client_id", id))
	}
}

// ClientCount 返回当前连接数。
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribe 为客户端增加主题。
func (h *Hub) Subscribe(id, topic string) bool {
	client := h.client(id)
	if client == nil || topic == "" {
		return false
	}
	client.mu.Lock()
	client.topics[topic] = struct{}{}
	client.mu.Unlock()
	return true
}

// Unsubscribe 移除客户端的主题，"all" 不能被移除。
func (h *Hub) Unsubscribe(id, topic string) bool {
	if topic == TopicAll {
		return false
	}
	client := h.client(id)
	if client == nil {
		return false
	}
	client.mu.Lock()
	_, ok := client.topics[topic]
	delete(client.topics, topic)
	client.mu.Unlock()
	return ok
}

func (h *Hub) client(id string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// Broadcast 脱敏并投递事件给所有订阅了 "all"、事件主题或事件类型的客户端。
func (h *Hub) Broadcast(ev Event) {
	if ev == nil {
		return
	}
	payload, err := h.encode(ev)
	if err != nil {
		h.log.Error("事件编码失败", slog.String("type", ev.Type()), slog.Any("error", err))
		return
	}

	dropped := 0
	h.mu.RLock()
	for _, client := range h.clients {
		if !client.matches(ev) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		h.log.Warn("客户端缓冲已满，事件被丢弃", slog.String("type", ev.Type()), slog.Int("dropped", dropped))
	}
	h.metrics.EventBroadcast(ev.Type(), dropped)

	if h.relayCh != nil {
		select {
		case h.relayCh <- payload:
		default:
			h.metrics.RelayFailure()
			h.log.Warn("事件中继队列已满", slog.String("type", ev.Type()))
		}
	}
}

// SendToClient 将事件投递给指定客户端，不经过主题过滤。
func (h *Hub) SendToClient(id string, ev Event) bool {
	if ev == nil {
		return false
	}
	payload, err := h.encode(ev)
	if err != nil {
		h.log.Error("事件编码失败", slog.String("type", ev.Type()), slog.Any("error", err))
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[id]
	if !ok {
		return false
	}
	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// Run 将信封转发到 relay，直到 ctx 结束。未配置 relay 时立即返回。
func (h *Hub) Run(ctx context.Context) error {
	if h.relay == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-h.relayCh:
			if err := h.relay.Publish(ctx, payload); err != nil {
				h.metrics.RelayFailure()
				h.log.Warn("事件中继失败", slog.Any("error", err))
			}
		}
	}
}

func (h *Hub) encode(ev Event) ([]byte, error) {
	ts := h.now().UTC()
	data, err := Sanitize(ev)
	if err != nil {
		return nil, err
	}
	if m, ok := data.(map[string]any); ok {
		if _, exists := m["timestamp"]; !exists {
			m["timestamp"] = ts
		}
	}
	return json.Marshal(Envelope{Type: ev.Type(), Data: data, Timestamp: ts})
}
