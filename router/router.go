package router

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ragchat/metrics"
	"ragchat/models"
)

const (
	DefaultStream        = "ragchat:actions"
	DefaultConsumerGroup = "ragchat-controllers"
	DefaultConsumer      = "ragchat-1"

	actionField  = "action"
	defaultBlock = 5 * time.Second
)

// Controller is the set of session operations an action can trigger.
type Controller interface {
	Submit(query string)
	Cancel()
	ResetConversation()
	Reconnect()
	AddLabelFilter(label string)
	RemoveLabelFilter(label string)
	AddDocumentFilter(doc models.DocumentFilter)
	RemoveDocumentFilter(uuid string)
	ClearFilters()
	SetRAGConfig(cfg models.RAGConfig)
}

// Resolver returns the controller that owns a session, creating it if needed.
type Resolver interface {
	Controller(ctx context.Context, sessionID string) (Controller, error)
}

// Router consumes user actions from a Redis stream and applies them to the
// session they belong to.
type Router struct {
	rdb      *redis.Client
	resolver Resolver
	stream   string
	group    string
	consumer string
	block    time.Duration
	logger   zerolog.Logger
}

type Option func(*Router)

func WithStream(stream string) Option {
	return func(r *Router) { r.stream = stream }
}

func WithConsumerGroup(group, consumer string) Option {
	return func(r *Router) {
		r.group = group
		r.consumer = consumer
	}
}

// WithBlock sets how long one XREADGROUP call waits for new entries.
func WithBlock(d time.Duration) Option {
	return func(r *Router) { r.block = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func New(rdb *redis.Client, resolver Resolver, opts ...Option) *Router {
	r := &Router{
		rdb:      rdb,
		resolver: resolver,
		stream:   DefaultStream,
		group:    DefaultConsumerGroup,
		consumer: DefaultConsumer,
		block:    defaultBlock,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "router").Str("stream", r.stream).Logger()
	return r
}

func (r *Router) EnsureConsumerGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.Wrap(err, "failed to create consumer group")
	}
	return nil
}

// Enqueue appends an action to the stream and returns its entry id.
func (r *Router) Enqueue(ctx context.Context, action models.Action) (string, error) {
	data, err := json.Marshal(action)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal action")
	}
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{actionField: string(data)},
	}).Result()
	if err != nil {
		return "", errors.Wrap(err, "failed to add action to stream")
	}
	return id, nil
}

// ConsumeLoop reads actions until ctx is cancelled.
func (r *Router) ConsumeLoop(ctx context.Context) error {
	r.logger.Info().Str("group", r.group).Str("consumer", r.consumer).Msg("starting consumer loop")
	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, ">"},
			Count:    10,
			Block:    r.block,
		}).Result()
		if errors.Is(err, redis.Nil) || (err != nil && ctx.Err() != nil) {
			continue
		}
		if err != nil {
			r.logger.Error().Err(err).Msg("error reading stream")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				r.handleMessage(ctx, msg)
			}
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, msg redis.XMessage) {
	defer r.ack(ctx, msg.ID)

	raw, ok := msg.Values[actionField].(string)
	if !ok {
		r.logger.Warn().Str("entry_id", msg.ID).Msg("invalid entry, missing action field")
		return
	}
	var action models.Action
	if err := json.Unmarshal([]byte(raw), &action); err != nil {
		r.logger.Warn().Err(err).Str("entry_id", msg.ID).Msg("failed to unmarshal action")
		return
	}
	if action.SessionID == "" {
		r.logger.Warn().Str("entry_id", msg.ID).Str("action_id", action.ActionID).Msg("action without session id")
		return
	}

	logger := r.logger.With().Str("session_id", action.SessionID).Str("action_id", action.ActionID).Str("type", string(action.Type)).Logger()
	ctrl, err := r.resolver.Controller(ctx, action.SessionID)
	if err != nil {
		logger.Error().Err(err).Msg("no controller for session")
		return
	}
	if err := Dispatch(ctrl, action); err != nil {
		logger.Warn().Err(err).Msg("action rejected")
		return
	}
	metrics.RecordAction(string(action.Type))
	logger.Debug().Msg("action dispatched")
}

func (r *Router) ack(ctx context.Context, id string) {
	if err := r.rdb.XAck(ctx, r.stream, r.group, id).Err(); err != nil && ctx.Err() == nil {
		r.logger.Warn().Err(err).Str("entry_id", id).Msg("failed to ack entry")
	}
}

// Dispatch applies one action to a controller.
func Dispatch(c Controller, a models.Action) error {
	switch a.Type {
	case models.ActionSubmit:
		c.Submit(a.Text)
	case models.ActionCancel:
		c.Cancel()
	case models.ActionReset:
		c.ResetConversation()
	case models.ActionReconnect:
		c.Reconnect()
	case models.ActionAddLabel:
		c.AddLabelFilter(a.Text)
	case models.ActionRemoveLabel:
		c.RemoveLabelFilter(a.Text)
	case models.ActionAddDocument:
		if a.Document == nil {
			return errors.New("add_document needs a document")
		}
		c.AddDocumentFilter(*a.Document)
	case models.ActionRemoveDocument:
		uuid := a.Text
		if a.Document != nil {
			uuid = a.Document.UUID
		}
		c.RemoveDocumentFilter(uuid)
	case models.ActionClearFilters:
		c.ClearFilters()
	case models.ActionSetRAGConfig:
		if a.RAGConfig == nil {
			return errors.New("set_rag_config needs a rag_config")
		}
		c.SetRAGConfig(a.RAGConfig)
	default:
		return errors.Errorf("unknown action type %q", a.Type)
	}
	return nil
}
