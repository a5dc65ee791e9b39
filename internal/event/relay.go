package event

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	xerrors "AutoTrader-Chain/internal/errors"
)

// Relay 将已编码的事件信封镜像到外部消息系统，供其他进程观察。
type Relay interface {
	Publish(ctx context.Context, envelope []byte) error
	Close() error
}

// Subscriber 从外部消息系统读取镜像的事件信封。
type Subscriber interface {
	Consume(ctx context.Context, handler func(envelope []byte)) error
}

// MemoryRelay 使用 channel 模拟中继，主要用于测试。
// 通道从不关闭，关闭状态由 done 表示，阻塞中的 Publish 会随 Close 返回。
type MemoryRelay struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewMemoryRelay 创建一个内存中继。
func NewMemoryRelay(size int) *MemoryRelay {
	if size <= 0 {
		size = 64
	}
	return &MemoryRelay{ch: make(chan []byte, size), done: make(chan struct{})}
}

// Publish 将信封写入通道，缓冲区满时等待消费、ctx 结束或中继关闭。
func (r *MemoryRelay) Publish(ctx context.Context, envelope []byte) error {
	select {
	case <-r.done:
		return xerrors.New(xerrors.CodeRelayFailure, "中继已关闭")
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return xerrors.New(xerrors.CodeRelayFailure, "中继已关闭")
	case r.ch <- envelope:
		return nil
	}
}

// Consume 逐条回调直到 ctx 结束或中继关闭；关闭后先交付已缓冲的信封。
func (r *MemoryRelay) Consume(ctx context.Context, handler func([]byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope := <-r.ch:
			handler(envelope)
		case <-r.done:
			for {
				select {
				case envelope := <-r.ch:
					handler(envelope)
				default:
					return nil
				}
			}
		}
	}
}

// Close 关闭内存中继，可重复调用。
func (r *MemoryRelay) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

// RedisRelayConfig 描述 Redis Pub/Sub 中继的连接参数。
type RedisRelayConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisRelay 使用 Redis Pub/Sub 镜像事件。
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisRelay 创建 Redis 中继实例。
func NewRedisRelay(ctx context.Context, cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeRelayFailure, err, "连接 Redis 失败")
	}
	return NewRedisRelayWithClient(client, cfg.Channel), nil
}

// NewRedisRelayWithClient 复用已有的 Redis 客户端。
func NewRedisRelayWithClient(client redis.UniversalClient, channel string) *RedisRelay {
	if channel == "" {
		channel = "autotrader.events"
	}
	return &RedisRelay{client: client, channel: channel}
}

// Publish 发布信封到 Redis 频道。
func (r *RedisRelay) Publish(ctx context.Context, envelope []byte) error {
	if err := r.client.Publish(ctx, r.channel, envelope).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeRelayFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Consume 订阅 Redis 频道并回调每条信封。
func (r *RedisRelay) Consume(ctx context.Context, handler func([]byte)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeRelayFailure, err, "订阅 Redis 频道失败")
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler([]byte(msg.Payload))
		}
	}
}

// Close 关闭 Redis 连接。
func (r *RedisRelay) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// RabbitMQRelayConfig 描述 RabbitMQ 中继的连接参数。
type RabbitMQRelayConfig struct {
	URL      string
	Exchange string
}

// RabbitMQRelay 将事件发布到 fanout 交换机。
type RabbitMQRelay struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	mu       sync.Mutex
}

// NewRabbitMQRelay 创建 RabbitMQ 中继实例。
func NewRabbitMQRelay(cfg RabbitMQRelayConfig) (*RabbitMQRelay, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "autotrader.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRelayFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeRelayFailure, err, "创建 RabbitMQ channel 失败")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeRelayFailure, err, "声明 RabbitMQ 交换机失败")
	}
	return &RabbitMQRelay{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish 将信封投递到交换机。
func (r *RabbitMQRelay) Publish(ctx context.Context, envelope []byte) error {
	if r == nil || r.ch == nil {
		return xerrors.New(xerrors.CodeRelayFailure, "RabbitMQ 中继未初始化")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.ch.PublishWithContext(ctx, r.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        envelope,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRelayFailure, err, "RabbitMQ 发布事件失败")
	}
	return nil
}

// Consume 绑定一个排他的临时队列并回调每条信封。
func (r *RabbitMQRelay) Consume(ctx context.Context, handler func([]byte)) error {
	if r == nil || r.ch == nil {
		return xerrors.New(xerrors.CodeRelayFailure, "RabbitMQ 中继未初始化")
	}
	q, err := r.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRelayFailure, err, "声明 RabbitMQ 队列失败")
	}
	if err := r.ch.QueueBind(q.Name, "", r.exchange, false, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeRelayFailure, err, "绑定 RabbitMQ 队列失败")
	}
	msgs, err := r.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			handler(msg.Body)
		}
	}
}

// Close 关闭 RabbitMQ 连接。
func (r *RabbitMQRelay) Close() error {
	if r == nil {
		return nil
	}
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
