package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize = 10000
	defaultTimeout  = 30 * time.Second
)

type Event interface {
	Name() string
}

// Keyed events with the same key are handled one at a time, in publish order, by each handler.
type Keyed interface {
	Event
	Key() string
}

type Handler func(ctx context.Context, e Event) error

// Bus is an in-memory event bus.
type Bus struct {
	pool     chan struct{}
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	handlers map[string][]Handler

	lanesMu sync.Mutex
	lanes   map[string]*lane
}

type lane struct {
	jobs []func()
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus() *Bus {
	return &Bus{
		pool:     make(chan struct{}, defaultPoolSize),
		wg:       new(sync.WaitGroup),
		handlers: make(map[string][]Handler),
		lanes:    make(map[string]*lane),
	}
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[name] = append(b.handlers[name], h)
}

// Publish an event. Handlers run asynchronously.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	k, keyed := e.(Keyed)
	for i, h := range b.handlers[e.Name()] {
		if keyed {
			b.enqueue(ctx, fmt.Sprintf("%s/%d/%s", e.Name(), i, k.Key()), h, e)
			continue
		}
		b.dispatch(ctx, h, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) {
	b.wg.Add(1)

	b.pool <- struct{}{}

	go func() {
		defer func() {
			<-b.pool
			b.wg.Done()
		}()

		b.handle(ctx, h, e)
	}()
}

// enqueue appends the handler call to the lane of the key, starting a drainer if the lane is idle.
func (b *Bus) enqueue(ctx context.Context, key string, h Handler, e Event) {
	b.wg.Add(1)

	b.lanesMu.Lock()
	defer b.lanesMu.Unlock()

	job := func() {
		defer b.wg.Done()
		b.handle(ctx, h, e)
	}

	if l, ok := b.lanes[key]; ok {
		l.jobs = append(l.jobs, job)
		return
	}

	b.lanes[key] = &lane{jobs: []func(){job}}
	go b.drain(key)
}

func (b *Bus) drain(key string) {
	for {
		b.lanesMu.Lock()
		l := b.lanes[key]
		if len(l.jobs) == 0 {
			delete(b.lanes, key)
			b.lanesMu.Unlock()
			return
		}
		job := l.jobs[0]
		l.jobs = l.jobs[1:]
		b.lanesMu.Unlock()

		b.pool <- struct{}{}
		job()
		<-b.pool
	}
}

func (b *Bus) handle(ctx context.Context, h Handler, e Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event: handler panic",
				"event", e.Name(),
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}

		cancel()
	}()

	if err := h(ctx, e); err != nil {
		slog.ErrorContext(ctx, "event: handle event failed",
			"event", e.Name(),
			"error", err,
		)
	}
}

// Stop waits for all handlers to finish
func (b *Bus) Stop() {
	b.wg.Wait()
}
