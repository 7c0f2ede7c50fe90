package metering

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnmchuo/voice-metering/internal/pipeline"
)

var ErrSessionNotFound = errors.New("metering: session not found")

// Handle pairs a session with the emitter feeding it.
type Handle struct {
	Session *Session
	Emitter *pipeline.Emitter
}

// Registry tracks the open sessions of one process.
type Registry struct {
	cfg  Config
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Handle
}

func NewRegistry(cfg Config, deps Deps) *Registry {
	return &Registry{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*Handle),
	}
}

// Open starts a new session billed to credential.
func (r *Registry) Open(ctx context.Context, credential string) (*Handle, error) {
	id := uuid.NewString()
	h := &Handle{
		Session: New(id, credential, r.cfg, r.deps),
		Emitter: pipeline.NewEmitter(),
	}
	if err := h.Session.Start(ctx, h.Emitter); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = h
	r.mu.Unlock()
	return h, nil
}

func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[id]
	return h, ok
}

// Close shuts the session's emitter down, which finalizes the session, and
// forgets it.
func (r *Registry) Close(ctx context.Context, id string) (*Result, error) {
	r.mu.Lock()
	h, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	h.Emitter.Shutdown(ctx)
	return h.Session.Finalize(ctx)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown finalizes every open session.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if _, err := r.Close(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			r.deps.Logger.Error("failed to finalize session on shutdown",
				zap.String("session_id", id),
				zap.Error(err),
			)
		}
	}
}
