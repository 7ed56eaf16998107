package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

const (
	syntheticHeader     = "X-Codex-Plugin-Synthetic"
	syntheticTypeHeader = "X-Codex-Plugin-Error-Type"

	contextOverflowAdvisory = "The conversation has grown past the model's context window, so the last " +
		"request could not be processed. Run /compact to summarize the conversation and free up context, " +
		"or start a new session."
)

// writeSyntheticOverflow replies with a locally-built 200 SSE stream
// advising the user to compact. The marker headers let clients and
// tests tell it apart from a genuine upstream response. Returning a
// failure here would strand the caller on an unrecoverable 400.
func writeSyntheticOverflow(w http.ResponseWriter) {
	msgID := "msg_" + uuid.NewString()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(syntheticHeader, "true")
	w.Header().Set(syntheticTypeHeader, "context_overflow")
	w.WriteHeader(http.StatusOK)

	events := []struct {
		name    string
		payload map[string]any
	}{
		{"message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      msgID,
				"type":    "message",
				"role":    "assistant",
				"content": []any{},
			},
		}},
		{"content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		}},
		{"content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": contextOverflowAdvisory},
		}},
		{"content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": 0,
		}},
		{"message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		}},
		{"message_stop", map[string]any{
			"type": "message_stop",
		}},
	}

	flusher, _ := w.(http.Flusher)
	for _, ev := range events {
		body, err := json.Marshal(ev.payload)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, body)
	}
	if flusher != nil {
		flusher.Flush()
	}
}
