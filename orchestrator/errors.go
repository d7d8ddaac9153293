package orchestrator

import "github.com/pkg/errors"

var (
	ErrRetrievalFailure  = errors.New("retrieval failed")
	ErrNoResults         = errors.New("no matching chunks found")
	ErrStreamUnavailable = errors.New("stream connection unavailable")
	ErrMalformedFrame    = errors.New("malformed stream frame")
	ErrTransportFailure  = errors.New("stream transport failure")
	ErrAlreadyRunning    = errors.New("orchestrator loop already running")
)

// Texts of the error messages appended to the conversation.
const (
	NoResultsText         = "We couldn't find any chunks to your query"
	RetrievalFailedText   = "Failed to fetch from API"
	NoDataText            = "No data received"
	StreamUnavailableText = "Not connected to the backend, reconnect and try again"
)
