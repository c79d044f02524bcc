package model

import "sync"

// EventProducer fans an event out to registered handlers.
//
// Handlers are called synchronously, in registration order, on the
// goroutine that calls Fire. Fire works on a copy of the handler list, so
// a handler may subscribe or unsubscribe (itself included) without
// deadlocking or disturbing the current delivery.
type EventProducer[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers []handlerEntry[T]
}

type handlerEntry[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (p *EventProducer[T]) Subscribe(fn func(T)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	p.handlers = append(p.handlers, handlerEntry[T]{id: id, fn: fn})

	return func() { p.unsubscribe(id) }
}

func (p *EventProducer[T]) unsubscribe(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, h := range p.handlers {
		if h.id == id {
			p.handlers = append(p.handlers[:i:i], p.handlers[i+1:]...)
			return
		}
	}
}

// Fire delivers ev to every handler registered when Fire was called.
func (p *EventProducer[T]) Fire(ev T) {
	p.mu.Lock()
	handlers := make([]handlerEntry[T], len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, h := range handlers {
		h.fn(ev)
	}
}

// Len returns the number of registered handlers.
func (p *EventProducer[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}
