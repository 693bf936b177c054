package stage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/playhouse/playhouse/internal/perr"
)

// Factory constructs a fresh IStage implementation for stageType. Bootstrap
// registers one Factory per game content type; spec.md §9's redesign note
// replaces the source's DI-reflection-resolved stage types with this
// explicit map built once at startup.
type Factory func() IStage

// EventKind distinguishes the two stage lifecycle events the Registry
// reports, consumed by internal/relay to republish onto an external feed.
type EventKind int

const (
	StageCreated EventKind = iota
	StageClosed
)

// Event is one stage lifecycle notification.
type Event struct {
	Kind      EventKind
	ServerID  string
	StageID   int64
	StageType string
}

// Registry owns every live Stage on this server, keyed by stageId, plus the
// stageType -> Factory table CreateStage consults. One Registry exists per
// Play server process.
type Registry struct {
	serverID string
	pool     *Pool
	logger   *slog.Logger

	mu        sync.RWMutex
	factories map[string]Factory
	stages    map[int64]*Stage

	onEvent func(Event)
}

func NewRegistry(serverID string, pool *Pool, logger *slog.Logger) *Registry {
	return &Registry{
		serverID:  serverID,
		pool:      pool,
		logger:    logger,
		factories: make(map[string]Factory),
		stages:    make(map[int64]*Stage),
	}
}

// OnEvent registers sink to receive every subsequent stage lifecycle event.
// Only one sink is supported; call before the registry starts serving
// traffic. Intended for internal/relay's AMQP republishing.
func (r *Registry) OnEvent(sink func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = sink
}

func (r *Registry) emit(kind EventKind, stageID int64, stageType string) {
	r.mu.RLock()
	sink := r.onEvent
	r.mu.RUnlock()
	if sink != nil {
		sink(Event{Kind: kind, ServerID: r.serverID, StageID: stageID, StageType: stageType})
	}
}

// RegisterFactory binds stageType to factory. Must be called before any
// CreateStage names that type. Calling it twice for the same name replaces
// the prior factory, which is only safe to do before the registry starts
// serving traffic.
func (r *Registry) RegisterFactory(stageType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[stageType] = factory
}

// CreateStage instantiates stageType via its registered factory, registers
// the stage under stageID, and runs OnCreate/OnPostCreate (as the stage's
// first mailbox message); if OnCreate fails, the stage is removed from the
// registry again. A stageId collision is
// StageAlreadyExists; an unregistered stageType is InvalidStageType.
func (r *Registry) CreateStage(ctx context.Context, stageID int64, stageType string) (*Stage, perr.Code, error) {
	r.mu.Lock()
	if _, exists := r.stages[stageID]; exists {
		r.mu.Unlock()
		return nil, perr.StageAlreadyExists, perr.New(perr.StageAlreadyExists, "stage already exists")
	}
	factory, ok := r.factories[stageType]
	if !ok {
		r.mu.Unlock()
		return nil, perr.InvalidStageType, perr.New(perr.InvalidStageType, "unregistered stage type: "+stageType)
	}
	user := factory()
	s := New(r.serverID, stageID, stageType, user, r.pool, r.logger)
	r.stages[stageID] = s
	r.mu.Unlock()

	done := make(chan perr.Code, 1)
	s.Create(func(code perr.Code) { done <- code })
	code := <-done
	if code != perr.Success {
		r.mu.Lock()
		delete(r.stages, stageID)
		r.mu.Unlock()
		return nil, code, perr.New(perr.StageCreationFailed, "OnCreate returned non-success code")
	}
	r.emit(StageCreated, stageID, stageType)
	return s, perr.Success, nil
}

// Lookup returns the stage bound to stageID, if any. Safe to call from any
// goroutine — only the stage's own fields are protected by its mailbox, not
// membership in this map.
func (r *Registry) Lookup(stageID int64) (*Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[stageID]
	return s, ok
}

// CloseStage enqueues the Close message on the named stage and removes it
// from the registry so no new lookups find it, even while the Close message
// is still draining the mailbox's existing backlog (per spec.md §4.6, the
// stage itself still finishes draining what was already enqueued).
func (r *Registry) CloseStage(stageID int64) error {
	r.mu.Lock()
	s, ok := r.stages[stageID]
	if ok {
		delete(r.stages, stageID)
	}
	r.mu.Unlock()
	if !ok {
		return perr.New(perr.StageNotFound, "stage not found")
	}
	r.emit(StageClosed, stageID, s.StageType)
	return s.Close()
}

// Count returns the number of stages currently registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stages)
}

// Snapshot returns the stageIds currently registered, for the mesh-top
// dashboard and diagnostics.
func (r *Registry) Snapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.stages))
	for id := range r.stages {
		ids = append(ids, id)
	}
	return ids
}
