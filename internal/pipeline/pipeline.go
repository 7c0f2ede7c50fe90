// Package pipeline defines what the metering layer needs from a voice
// pipeline: a stream of usage events and a terminal shutdown hook.
package pipeline

import (
	"context"
	"sync"

	"github.com/vnmchuo/voice-metering/internal/usage"
)

// Source delivers usage events as calls complete and runs shutdown hooks
// once when the session ends.
type Source interface {
	Subscribe(fn func(usage.Event))
	OnShutdown(fn func(ctx context.Context))
}

// Gate is implemented by sources that can stop serving billable calls.
type Gate interface {
	Suspend(reason error)
}

// Emitter is an in-process Source. The ingest server feeds it from HTTP and
// tests drive it directly.
type Emitter struct {
	mu          sync.RWMutex
	subscribers []func(usage.Event)
	hooks       []func(ctx context.Context)
	suspended   error

	shutdownOnce sync.Once
}

var (
	_ Source = (*Emitter)(nil)
	_ Gate   = (*Emitter)(nil)
)

func NewEmitter() *Emitter {
	return &Emitter{}
}

func (e *Emitter) Subscribe(fn func(usage.Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

func (e *Emitter) OnShutdown(fn func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// Emit delivers ev to every subscriber on the caller's goroutine.
func (e *Emitter) Emit(ev usage.Event) {
	e.mu.RLock()
	subs := e.subscribers
	e.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Shutdown runs the shutdown hooks in registration order. Only the first
// call has any effect.
func (e *Emitter) Shutdown(ctx context.Context) {
	e.shutdownOnce.Do(func() {
		e.mu.RLock()
		hooks := e.hooks
		e.mu.RUnlock()
		for _, fn := range hooks {
			fn(ctx)
		}
	})
}

func (e *Emitter) Suspend(reason error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.suspended == nil {
		e.suspended = reason
	}
}

// Suspended returns the first suspension reason, or nil.
func (e *Emitter) Suspended() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.suspended
}
