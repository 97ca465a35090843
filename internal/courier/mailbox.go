package courier

import (
	"context"
	"sync"
)

// mailbox is an unbounded FIFO drained by a single goroutine. push never
// blocks, so producers that hold their own locks (the offer ledger, the
// ride machine) can post to it safely.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(msg any) {
	m.mu.Lock()
	m.items = append(m.items, msg)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// drain calls handle for every message in push order until ctx ends.
func (m *mailbox) drain(ctx context.Context, handle func(context.Context, any)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.signal:
			for _, msg := range m.take() {
				handle(ctx, msg)
			}
		}
	}
}
