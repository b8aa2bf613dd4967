package signal

import (
	"sync"

	"charcha/api/internal/loop"
)

type handler struct {
	id   uint64
	kind Kind // empty matches every kind
	fn   func(Event)
}

// Bus fans events out to subscribers on the session's dispatcher.
// Publish is safe from any goroutine; handlers always run on the loop.
type Bus struct {
	disp     loop.Dispatcher
	mu       sync.Mutex
	next     uint64
	handlers []handler
}

func NewBus(disp loop.Dispatcher) *Bus {
	return &Bus{disp: disp}
}

// Subscribe registers fn for one kind. The returned func removes it.
func (b *Bus) Subscribe(kind Kind, fn func(Event)) func() {
	return b.add(kind, fn)
}

// SubscribeAll registers fn for every kind.
func (b *Bus) SubscribeAll(fn func(Event)) func() {
	return b.add("", fn)
}

func (b *Bus) add(kind Kind, fn func(Event)) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.handlers = append(b.handlers, handler{id: id, kind: kind, fn: fn})
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Publish delivers e to matching handlers. Handlers removed before delivery
// runs are skipped.
func (b *Bus) Publish(e Event) {
	if e == nil {
		return
	}
	b.disp.Dispatch(func() {
		b.mu.Lock()
		matched := make([]handler, 0, len(b.handlers))
		for _, h := range b.handlers {
			if h.kind == "" || h.kind == e.Kind() {
				matched = append(matched, h)
			}
		}
		b.mu.Unlock()
		for _, h := range matched {
			if b.live(h.id) {
				h.fn(e)
			}
		}
	})
}

func (b *Bus) live(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.handlers {
		if h.id == id {
			return true
		}
	}
	return false
}

// Len reports the number of registered handlers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
