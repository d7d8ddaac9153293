package adapters

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"ragchat/models"
)

// Commands lists the slash commands understood by NormalizeInput.
var Commands = []struct {
	Usage       string
	Description string
}{
	{"/cancel", "abandon the answer in progress"},
	{"/reset", "start a new conversation"},
	{"/reconnect", "reopen the stream connection"},
	{"/label add|rm <label>", "add or remove a label filter"},
	{"/doc add <uuid> [title]", "restrict retrieval to a document"},
	{"/doc rm <uuid>", "remove a document restriction"},
	{"/clear", "drop all filters"},
}

// NormalizeInput converts one line typed in the terminal into an Action.
// Lines not starting with a slash are queries.
func NormalizeInput(sessionID, line string) (models.Action, error) {
	action := models.Action{
		ActionID:  uuid.New().String(),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}

	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		action.Type = models.ActionSubmit
		action.Text = line
		return action, nil
	}

	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "/cancel":
		action.Type = models.ActionCancel
	case "/reset", "/new":
		action.Type = models.ActionReset
	case "/reconnect":
		action.Type = models.ActionReconnect
	case "/clear":
		action.Type = models.ActionClearFilters
	case "/label":
		if len(fields) < 3 {
			return action, errors.New("usage: /label add|rm <label>")
		}
		label := strings.Join(fields[2:], " ")
		switch fields[1] {
		case "add":
			action.Type = models.ActionAddLabel
		case "rm", "remove":
			action.Type = models.ActionRemoveLabel
		default:
			return action, errors.Errorf("unknown /label subcommand %q", fields[1])
		}
		action.Text = label
	case "/doc":
		if len(fields) < 3 {
			return action, errors.New("usage: /doc add <uuid> [title] | /doc rm <uuid>")
		}
		switch fields[1] {
		case "add":
			title := strings.Join(fields[3:], " ")
			if title == "" {
				title = fields[2]
			}
			action.Type = models.ActionAddDocument
			action.Document = &models.DocumentFilter{UUID: fields[2], Title: title}
		case "rm", "remove":
			action.Type = models.ActionRemoveDocument
			action.Text = fields[2]
		default:
			return action, errors.Errorf("unknown /doc subcommand %q", fields[1])
		}
	default:
		return action, errors.Errorf("unknown command %s", fields[0])
	}
	return action, nil
}
