package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// replyFields is the priority order for extracting reply text. Relay
// backends name the field differently; the first usable one wins.
var replyFields = []string{"response", "message", "text", "content", "answer"}

// parseReply normalizes a 2xx response body. A body without any usable reply
// field is an error, so the attempt counts as failed and the loop moves on.
func parseReply(data []byte) (Reply, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}

	var rep Reply
	for _, name := range replyFields {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			// Non-string under a known name (some backends nest objects
			// under "message"); try the next field.
			continue
		}
		if strings.TrimSpace(s) == "" {
			continue
		}
		rep.Text = s
		break
	}
	if rep.Text == "" {
		return Reply{}, errors.New("reply has no text field")
	}

	if raw, ok := fields["conversation_id"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			rep.ConversationID = strings.TrimSpace(s)
		}
	}
	rep.ModelInfo = fields["model_info"]
	rep.ModelsUsed = fields["models_used"]
	return rep, nil
}
