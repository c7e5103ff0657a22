package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

// MemoryHub is the in-process Hub. Each subscriber owns a buffered channel;
// events that do not fit are dropped for that subscriber only.
type MemoryHub struct {
	buffer int

	mu   sync.RWMutex
	subs map[*subscription]struct{}

	dropped atomic.Uint64
}

type subscription struct {
	ch     chan RunEvent
	filter Filter
	once   sync.Once
}

// NewMemoryHub returns a hub whose subscriber channels hold buffer events,
// or 64 when buffer is not positive.
func NewMemoryHub(buffer ...int) *MemoryHub {
	h := &MemoryHub{buffer: defaultBuffer, subs: make(map[*subscription]struct{})}
	if len(buffer) > 0 && buffer[0] > 0 {
		h.buffer = buffer[0]
	}
	return h
}

func (h *MemoryHub) Publish(ctx context.Context, event RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe returns the event channel and an idempotent cancel func that
// closes it. The subscription also ends when ctx is done.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan RunEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{ch: make(chan RunEvent, h.buffer), filter: filter}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { h.drop(sub) })
	return sub.ch, func() {
		stop()
		h.drop(sub)
	}, nil
}

func (h *MemoryHub) drop(sub *subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		close(sub.ch)
	})
}

func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts deliveries skipped because a subscriber's buffer was full.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

// Match reports whether e passes f. Empty fields match everything.
func (f Filter) Match(e RunEvent) bool {
	switch {
	case f.RunID != "" && f.RunID != e.RunID:
		return false
	case f.WorkflowID != "" && f.WorkflowID != e.WorkflowID:
		return false
	case len(f.Types) > 0:
		return slices.Contains(f.Types, e.Type)
	}
	return true
}
