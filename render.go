package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"ragchat/connection"
	"ragchat/models"
	"ragchat/orchestrator"
)

var (
	answerColor  = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	sourceColor  = color.New(color.FgCyan)
	noticeColor  = color.New(color.FgYellow)
	cachedColor  = color.New(color.FgMagenta)
	previewColor = color.New(color.FgWhite)
)

// renderer prints the part of each snapshot that is new since the last one.
// Observe only stores the snapshot; printing happens on the Run goroutine.
type renderer struct {
	out io.Writer

	mu     sync.Mutex
	latest orchestrator.Snapshot
	dirty  chan struct{}

	shown   int
	printed string
	conn    connection.State
	status  orchestrator.Status
	started bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, dirty: make(chan struct{}, 1)}
}

func (r *renderer) Observe(s orchestrator.Snapshot) {
	r.mu.Lock()
	r.latest = s
	r.mu.Unlock()
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

func (r *renderer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.dirty:
			r.mu.Lock()
			s := r.latest
			r.mu.Unlock()
			r.render(s)
		}
	}
}

func (r *renderer) render(s orchestrator.Snapshot) {
	if !r.started || s.Connection != r.conn {
		r.renderConnection(s.Connection)
		r.conn = s.Connection
	}

	if len(s.Messages) < r.shown {
		noticeColor.Fprintln(r.out, "-- new conversation --")
		r.shown = 0
		r.printed = ""
	}
	r.started = true

	for _, m := range s.Messages[r.shown:] {
		r.renderMessage(m)
	}
	r.shown = len(s.Messages)

	if s.Status == orchestrator.StatusIdle && r.printed != "" {
		// preview dropped without a final message
		fmt.Fprintln(r.out)
		noticeColor.Fprintln(r.out, "(answer discarded)")
		r.printed = ""
	}
	if s.Status != r.status {
		switch s.Status {
		case orchestrator.StatusAwaitingRetrieval:
			noticeColor.Fprintln(r.out, "Retrieving...")
		case orchestrator.StatusAwaitingGeneration:
			noticeColor.Fprintln(r.out, "Generating...")
		}
		r.status = s.Status
	}

	// live preview of the answer being generated
	if strings.HasPrefix(s.Preview, r.printed) && len(s.Preview) > len(r.printed) {
		previewColor.Fprint(r.out, s.Preview[len(r.printed):])
		r.printed = s.Preview
	}
}

func (r *renderer) renderConnection(st connection.State) {
	switch st {
	case connection.StateOpen:
		answerColor.Fprintln(r.out, "● connected")
	case connection.StateConnecting:
		noticeColor.Fprintln(r.out, "◌ connecting...")
	case connection.StateClosedError:
		errorColor.Fprintln(r.out, "○ connection lost, type /reconnect to retry")
	case connection.StateClosedClean:
		if r.started {
			noticeColor.Fprintln(r.out, "○ disconnected, type /reconnect to retry")
		}
	}
}

func (r *renderer) renderMessage(m models.Message) {
	switch m.Kind {
	case models.KindUser:
		// already on screen
	case models.KindSystem:
		if r.printed != "" && strings.HasPrefix(m.Text, r.printed) {
			previewColor.Fprintln(r.out, m.Text[len(r.printed):])
		} else {
			if r.printed != "" {
				fmt.Fprintln(r.out)
			}
			answerColor.Fprintln(r.out, m.Text)
		}
		r.printed = ""
		if m.Cached {
			cachedColor.Fprintf(r.out, "(cached answer, distance %.3f)\n", m.Distance)
		}
	case models.KindError:
		errorColor.Fprintln(r.out, m.Text)
	case models.KindRetrieval:
		sourceColor.Fprintln(r.out, "Sources:")
		for i, d := range m.Documents {
			title := d.Title
			if title == "" {
				title = d.UUID
			}
			sourceColor.Fprintf(r.out, "  %d. %s (score %.2f, %d chunks)\n", i+1, title, d.Score, len(d.Chunks))
		}
	}
}
