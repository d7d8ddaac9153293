package router

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ragchat/orchestrator"
)

const DefaultStatePrefix = "chat:state:"

// Publisher fans session snapshots out on Redis pub/sub, one channel per
// session. Observers never block; snapshots are dropped when the buffer is full.
type Publisher struct {
	rdb     *redis.Client
	prefix  string
	queue   chan orchestrator.Snapshot
	dropped int64
	logger  zerolog.Logger
}

func NewPublisher(rdb *redis.Client, prefix string, buffer int) *Publisher {
	if prefix == "" {
		prefix = DefaultStatePrefix
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Publisher{
		rdb:    rdb,
		prefix: prefix,
		queue:  make(chan orchestrator.Snapshot, buffer),
		logger: log.Logger.With().Str("component", "publisher").Logger(),
	}
}

func (p *Publisher) Channel(sessionID string) string {
	return p.prefix + sessionID
}

// Observer returns the hook to register on an orchestrator.
func (p *Publisher) Observer() orchestrator.Observer {
	return func(s orchestrator.Snapshot) {
		if !p.TrySend(s) {
			p.logger.Warn().
				Str("session_id", s.SessionID).
				Int64("dropped", atomic.LoadInt64(&p.dropped)).
				Msg("dropped snapshot")
		}
	}
}

func (p *Publisher) TrySend(s orchestrator.Snapshot) bool {
	select {
	case p.queue <- s:
		return true
	default:
		atomic.AddInt64(&p.dropped, 1)
		return false
	}
}

func (p *Publisher) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}

// Run publishes queued snapshots until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-p.queue:
			p.publish(ctx, s)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, s orchestrator.Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		p.logger.Error().Err(err).Str("session_id", s.SessionID).Msg("failed to marshal snapshot")
		return
	}
	if err := p.rdb.Publish(ctx, p.Channel(s.SessionID), string(data)).Err(); err != nil && ctx.Err() == nil {
		p.logger.Error().Err(err).Str("session_id", s.SessionID).Msg("failed to publish snapshot")
	}
}
