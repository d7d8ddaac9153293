package orchestrator

import (
	"time"

	"ragchat/connection"
	"ragchat/models"
	"ragchat/session"
)

type event interface{}

type submitEvent struct {
	query string
}

type cancelEvent struct{}

type resetEvent struct{}

type reconnectEvent struct{}

type scopeEvent struct {
	name  string
	apply func(*session.Store)
}

type ragConfigEvent struct {
	cfg models.RAGConfig
}

type retrievalDoneEvent struct {
	turn    uint64
	query   string
	resp    *models.QueryResponse
	err     error
	elapsed time.Duration
}

type connectionEvent struct {
	ev connection.Event
}

type flushEvent struct {
	done chan struct{}
}
