package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "llm-council/internal/errors"
	"llm-council/pkg/logger"
)

// Type 标识事件类型。
type Type string

const (
	TypeConfigUpdated  Type = "config.updated"
	TypeCouncilQueried Type = "council.queried"
)

// Event 是对外广播的运行事件。
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewEvent 构造带唯一 ID 的事件。
func NewEvent(t Type, attrs map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Attributes: attrs,
	}
}

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Config 描述事件投递后端。
type Config struct {
	Driver   string         `yaml:"driver"`
	Buffer   int            `yaml:"buffer"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// New 根据驱动名称创建 Publisher。
func New(cfg Config) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryPublisher(cfg.Buffer), nil
	case "none":
		return NopPublisher{}, nil
	case "redis":
		return NewRedisPublisher(cfg.Redis)
	case "rabbitmq":
		return NewRabbitMQPublisher(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的事件驱动: %s", cfg.Driver))
	}
}

// Emit 投递事件，失败只记录日志，不影响调用方。
func Emit(ctx context.Context, publisher Publisher, event Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeEventPublishFailure, err, "")
		logger.Named("events").Log(ctx, wrapped.Severity().Level(), "事件投递失败",
			"type", string(event.Type),
			"id", event.ID,
			"retryable", wrapped.Retryable(),
			"error", wrapped.Error(),
		)
	}
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

// Publish 实现 Publisher。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (NopPublisher) Close() error { return nil }
