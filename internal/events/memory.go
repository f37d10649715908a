package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 在内存中保留最近的事件，主要用于单机部署与测试。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	size   int
	closed bool
}

// NewMemoryPublisher 创建保留最近 size 条事件的内存 Publisher。
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 256
	}
	return &MemoryPublisher{size: size}
}

// Publish 记录事件，超出容量时丢弃最早的事件。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("事件通道已关闭")
	}
	if len(p.events) == p.size {
		copy(p.events, p.events[1:])
		p.events = p.events[:len(p.events)-1]
	}
	p.events = append(p.events, event)
	return nil
}

// Events 返回当前保留事件的副本，按投递顺序排列。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Close 关闭 Publisher。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
