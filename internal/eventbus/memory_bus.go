package eventbus

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultChannelBuffer = 256

type subscriber struct {
	ch     chan Event
	filter Filter
}

type handlerEntry struct {
	fn     Handler
	filter Filter
}

// MemoryBus is an in-process Bus. One instance is constructed per process and injected.
type MemoryBus struct {
	mu       sync.RWMutex
	subs     map[uint64]*subscriber
	handlers map[uint64]*handlerEntry
	seq      atomic.Uint64
	dropped  atomic.Uint64
	buffer   int
}

// NewMemoryBus creates a MemoryBus whose channel subscriptions buffer up to buffer events.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &MemoryBus{
		subs:     make(map[uint64]*subscriber),
		handlers: make(map[uint64]*handlerEntry),
		buffer:   buffer,
	}
}

// Publish delivers the event to every matching handler, then to every matching
// channel subscriber. Handlers run in publish order and never miss an event.
// Channel delivery is non-blocking: a full subscriber channel drops the event.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		if matchFilter(h.filter, event) {
			handlers = append(handlers, h.fn)
		}
	}
	for _, sub := range b.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

// Subscribe creates a buffered channel subscription. The returned cancel
// function removes the subscription and closes the channel.
func (b *MemoryBus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := b.seq.Add(1)
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	b.subs[id] = &subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Handle registers a synchronous handler and returns its unsubscribe function.
func (b *MemoryBus) Handle(filter Filter, handler Handler) func() {
	id := b.seq.Add(1)

	b.mu.Lock()
	b.handlers[id] = &handlerEntry{fn: handler, filter: filter}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Dropped returns how many channel deliveries were dropped on full buffers.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

func matchFilter(f Filter, e Event) bool {
	if f.ExecutionID != 0 && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	return true
}

var _ Bus = (*MemoryBus)(nil)
