package router

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ragchat/orchestrator"
)

// Factory builds the orchestrator for a new session. The returned cleanup
// runs after the session loop exits.
type Factory func(sessionID string) (*orchestrator.Orchestrator, func(), error)

// Sessions keeps one running orchestrator per session id.
type Sessions struct {
	factory Factory
	logger  zerolog.Logger

	mu   sync.Mutex
	live map[string]*orchestrator.Orchestrator
	wg   sync.WaitGroup
}

func NewSessions(factory Factory) *Sessions {
	return &Sessions{
		factory: factory,
		logger:  log.Logger.With().Str("component", "sessions").Logger(),
		live:    make(map[string]*orchestrator.Orchestrator),
	}
}

// Controller returns the session's orchestrator, starting it on first use.
// The loop lives until ctx is cancelled.
func (s *Sessions) Controller(ctx context.Context, sessionID string) (Controller, error) {
	o, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Sessions) Get(ctx context.Context, sessionID string) (*orchestrator.Orchestrator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.live[sessionID]; ok {
		return o, nil
	}
	if ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), "sessions shutting down")
	}
	o, cleanup, err := s.factory(sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create session %s", sessionID)
	}
	s.live[sessionID] = o
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := o.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("session_id", sessionID).Msg("session loop failed")
		}
		if cleanup != nil {
			cleanup()
		}
	}()
	s.logger.Info().Str("session_id", sessionID).Msg("session started")
	return o, nil
}

// IDs returns the live session ids in sorted order.
func (s *Sessions) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every session loop has exited.
func (s *Sessions) Wait() {
	s.wg.Wait()
}
