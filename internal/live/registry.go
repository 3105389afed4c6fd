package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gridbot/internal/exchange"
	"gridbot/internal/model"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("live: session not found")

type session struct {
	orch   *Orchestrator
	cancel context.CancelFunc
}

// Registry tracks the running grid sessions of the process. It is safe for
// concurrent use.
type Registry struct {
	logger  *slog.Logger
	base    context.Context
	broker  exchange.Broker
	journal TradeJournal
	metrics *Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry creates a Registry. Sessions run until stopped or until ctx is
// cancelled. journal and metrics may be nil.
func NewRegistry(ctx context.Context, logger *slog.Logger, broker exchange.Broker, journal TradeJournal, metrics *Metrics) *Registry {
	return &Registry{
		logger:   logger,
		base:     ctx,
		broker:   broker,
		journal:  journal,
		metrics:  metrics,
		sessions: make(map[string]*session),
	}
}

// Start launches a new session in the background and returns its id.
func (r *Registry) Start(settings Settings) (string, error) {
	id := uuid.NewString()
	orch, err := NewOrchestrator(r.logger, id, r.broker, r.journal, r.metrics, settings)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(r.base)

	s := &session{orch: orch, cancel: cancel}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Inc()
	}
	go func() {
		defer cancel()
		if err := orch.Run(ctx); err != nil {
			r.logger.Error("Registry: grid session failed to start", "session", id, "error", err)
		}
		if r.metrics != nil {
			r.metrics.ActiveSessions.Dec()
		}
		r.forget(id, s)
	}()
	r.logger.Info("Registry: grid session started", "session", id, "symbol", settings.Symbol)
	return id, nil
}

// Stop cancels a session, waits for it to cancel its orders and forgets it.
// ctx bounds the wait only; a session that outlives ctx is forgotten once it
// ends.
func (r *Registry) Stop(ctx context.Context, id string) (Snapshot, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.cancel()
	select {
	case <-s.orch.Done():
	case <-ctx.Done():
		return s.orch.Snapshot(), ctx.Err()
	}

	r.forget(id, s)
	r.logger.Info("Registry: grid session stopped", "session", id)
	return s.orch.Snapshot(), nil
}

// forget drops a finished session and its metric series. Both Stop and the
// session goroutine call it, whichever sees the end first.
func (r *Registry) forget(id string, s *session) {
	r.metrics.forget(id)
	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
}

// StopAll stops every session concurrently.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Stop(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
				r.logger.Error("Registry: failed to stop session", "session", id, "error", err)
			}
		}()
	}
	wg.Wait()
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.orch.Snapshot(), nil
}

// Trades returns every trade of one session.
func (r *Registry) Trades(id string) ([]model.Trade, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.orch.Trades(), nil
}

// List returns snapshots of all sessions, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	orchs := make([]*Orchestrator, 0, len(r.sessions))
	for _, s := range r.sessions {
		orchs = append(orchs, s.orch)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(orchs))
	for _, o := range orchs {
		out = append(out, o.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
