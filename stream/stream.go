// Package stream decodes the agent CLI's stream-json output protocol.
//
// The agent emits one JSON record per line on stdout. With --verbose it may
// also emit non-JSON diagnostic lines, so decoding is tolerant: anything that
// does not parse is skipped, never surfaced as an error.
package stream

import (
	"encoding/json"
	"strings"
)

// Record types seen on the wire. Types other than these exist ("system",
// "user", "stream_event", ...) and are passed through untyped; callers only
// branch on the ones they care about.
const (
	TypeAssistant = "assistant"
	TypeResult    = "result"
	TypeSystem    = "system"
)

// ContentBlock is one element of an assistant message's content array.
type ContentBlock struct {
	Type string `json:"type"`           // "text", "tool_use", "tool_result"
	Name string `json:"name,omitempty"` // tool name (for tool_use)
	Text string `json:"text,omitempty"`
}

// Event is one decoded record from the agent's stdout.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message struct {
		Content []ContentBlock `json:"content"`
	} `json:"message"`
	Result       string  `json:"result,omitempty"` // final result text (terminal records)
	IsError      bool    `json:"is_error,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMs   int     `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
}

// ParseLine decodes one line of agent output. Returns (nil, false) for blank
// lines, non-JSON diagnostics, malformed JSON, and records with no type —
// the caller skips those and keeps reading.
func ParseLine(line string) (*Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	// The CLI with --verbose may write plain-text informational lines to
	// stdout. Anything that doesn't look like a JSON object is skipped.
	if !strings.HasPrefix(line, "{") {
		return nil, false
	}

	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil, false
	}
	if ev.Type == "" {
		return nil, false
	}
	return &ev, true
}

// Terminal reports whether this is the record carrying the agent's final
// answer for a run. At most one is expected per run; if several arrive the
// orchestrator keeps the last.
func (e *Event) Terminal() bool {
	return e.Type == TypeResult
}

// ToolUses returns the tool-invocation blocks of an assistant record.
// Non-assistant records yield nil.
func (e *Event) ToolUses() []ContentBlock {
	if e.Type != TypeAssistant {
		return nil
	}
	var uses []ContentBlock
	for _, block := range e.Message.Content {
		if block.Type == "tool_use" {
			uses = append(uses, block)
		}
	}
	return uses
}
