package bus

import (
	"context"
	"sync"

	"PGateway/tools/errs"
)

// MemoryBroker joins several in-process MemoryBus instances so multiple
// gateway instances can be exercised inside one test binary. Constructed
// explicitly and passed around; there is no package-level broker state.
type MemoryBroker struct {
	mu      sync.RWMutex
	members []*MemoryBus
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Bus creates a new member connection on the broker.
func (br *MemoryBroker) Bus() *MemoryBus {
	b := &MemoryBus{broker: br}
	br.mu.Lock()
	br.members = append(br.members, b)
	br.mu.Unlock()
	return b
}

func (br *MemoryBroker) publish(env Envelope) {
	br.mu.RLock()
	members := make([]*MemoryBus, len(br.members))
	copy(members, br.members)
	br.mu.RUnlock()

	for _, m := range members {
		m.deliver(env)
	}
}

// MemoryBus 进程内总线，仅用于测试与单机部署。
type MemoryBus struct {
	broker *MemoryBroker

	mu      sync.RWMutex
	handler Handler
	closed  bool
}

func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return errs.New("bus closed")
	}
	b.broker.publish(env)
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler != nil {
		return errs.New("bus already subscribed")
	}
	b.handler = h
	return nil
}

func (b *MemoryBus) deliver(env Envelope) {
	b.mu.RLock()
	h := b.handler
	closed := b.closed
	b.mu.RUnlock()
	if h != nil && !closed {
		h(env)
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
