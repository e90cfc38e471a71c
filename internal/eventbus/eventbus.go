package eventbus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

// Handler processes events of type T.
type Handler[T any] func(context.Context, T)

// Bus is a simple in-process event dispatcher keyed by event type.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[reflect.Type]map[int]func(context.Context, any)
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{handlers: make(map[reflect.Type]map[int]func(context.Context, any))}
}

func (b *Bus) subscribe(t reflect.Type, h func(context.Context, any)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	hs := b.handlers[t]
	if hs == nil {
		hs = make(map[int]func(context.Context, any))
		b.handlers[t] = hs
	}
	hs[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[t]
		delete(hs, id)
		if len(hs) == 0 {
			delete(b.handlers, t)
		}
	}
}

// emit dispatches e to all handlers of its dynamic type.
func (b *Bus) emit(ctx context.Context, e any) {
	if b == nil {
		return
	}
	t := reflect.TypeOf(e)
	b.mu.RLock()
	hs := b.handlers[t]
	if len(hs) == 0 {
		b.mu.RUnlock()
		return
	}
	copied := make([]func(context.Context, any), 0, len(hs))
	for _, fn := range hs {
		copied = append(copied, fn)
	}
	b.mu.RUnlock()
	for _, fn := range copied {
		fn(ctx, e)
	}
}

var global atomic.Pointer[Bus]

// Use sets the global bus. Passing nil disables event publishing.
func Use(b *Bus) { global.Store(b) }

// Subscribe registers h with the global bus.
func Subscribe[T any](h Handler[T]) (unsubscribe func()) {
	if b := global.Load(); b != nil {
		t := reflect.TypeOf((*T)(nil)).Elem()
		return b.subscribe(t, func(ctx context.Context, v any) { h(ctx, v.(T)) })
	}
	return func() {}
}

// Publish sends e through the global bus.
func Publish[T any](ctx context.Context, e T) {
	if b := global.Load(); b != nil {
		b.emit(ctx, e)
	}
}
