// Package activity turns raw agent stream events into user-facing status.
//
// The classifier maps tool invocations to a small set of activity categories;
// the Reporter renders the current category plus elapsed time into a status
// message on a fixed cadence, deduplicating edits because the delivery channel
// is rate-limited.
package activity

import (
	"fmt"
	"strings"

	"concierge/stream"
)

// Category is a coarse description of what the agent is currently doing.
type Category string

const (
	Thinking     Category = "thinking"
	Reading      Category = "reading"
	Editing      Category = "editing"
	Writing      Category = "writing"
	Searching    Category = "searching"
	Running      Category = "running"
	Web          Category = "web"
	Delegating   Category = "delegating"
	ExternalTool Category = "external-tool"
)

// MCPPrefix marks tool names provided by external MCP servers.
// Those vary per deployment, so they all map to one generic category.
const MCPPrefix = "mcp__"

// toolCategories maps agent tool names to categories. Unlisted tools leave
// the category unchanged.
var toolCategories = map[string]Category{
	"Read":         Reading,
	"Edit":         Editing,
	"MultiEdit":    Editing,
	"NotebookEdit": Editing,
	"Write":        Writing,
	"Glob":         Searching,
	"Grep":         Searching,
	"Bash":         Running,
	"WebFetch":     Web,
	"WebSearch":    Web,
	"Task":         Delegating,
}

// labels are the user-visible renderings of each category.
var labels = map[Category]string{
	Thinking:     "🤔 Thinking",
	Reading:      "📖 Reading files",
	Editing:      "✏️ Editing files",
	Writing:      "📝 Writing files",
	Searching:    "🔍 Searching",
	Running:      "⚙️ Running a command",
	Web:          "🌐 Looking things up",
	Delegating:   "🤖 Delegating to an agent",
	ExternalTool: "🔌 Using a tool",
}

// Label returns the user-visible rendering of the category.
func (c Category) Label() string {
	if label, ok := labels[c]; ok {
		return label
	}
	return string(c)
}

// Classify inspects one decoded stream event and yields an activity category.
// Only assistant records containing tool-use blocks produce a category; the
// second return value is false for everything else, meaning "unchanged".
// When a record carries several tool uses, the last recognized one wins — it
// is the tool the agent reached for most recently.
func Classify(ev *stream.Event) (Category, bool) {
	if ev == nil {
		return "", false
	}

	var category Category
	found := false
	for _, use := range ev.ToolUses() {
		if strings.HasPrefix(use.Name, MCPPrefix) {
			category = ExternalTool
			found = true
			continue
		}
		if c, ok := toolCategories[use.Name]; ok {
			category = c
			found = true
		}
	}
	return category, found
}

// StatusText composes the status line shown to the user:
// the category label plus elapsed time as mm:ss.
func StatusText(c Category, elapsedSeconds int) string {
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	return fmt.Sprintf("%s  %02d:%02d", c.Label(), elapsedSeconds/60, elapsedSeconds%60)
}
