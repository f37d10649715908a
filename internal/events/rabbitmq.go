package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 事件队列的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// RabbitMQPublisher 将事件投递到 RabbitMQ 队列。
type RabbitMQPublisher struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	queue      string
	persistent bool
}

// NewRabbitMQPublisher 建立连接并声明队列。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "council.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, queue: queue, persistent: cfg.Durable}, nil
}

// Publish 以 JSON 形式投递事件。
func (p *RabbitMQPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 通道未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   event.ID,
		Type:        string(event.Type),
		Timestamp:   event.OccurredAt,
		Body:        body,
	}
	if p.persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg)
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
