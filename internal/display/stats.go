package display

import (
	"fmt"
	"strings"

	"github.com/youruser/livegen/internal/marker"
)

// Stats summarizes the agent actions visible in filtered text.
type Stats struct {
	ToolSelections int `json:"tool_selections"`
	ToolCalls      int `json:"tool_calls"`
	Completions    int `json:"completions"`
}

// CountActions counts bolded narration in text produced by Filter.
func CountActions(text string) Stats {
	return Stats{
		ToolSelections: strings.Count(text, "**"+marker.ToolSelectToken+"**"),
		ToolCalls:      strings.Count(text, "**"+marker.ToolInvokeToken+"**"),
		Completions:    strings.Count(text, "**"+marker.ExecutionEndToken+"**"),
	}
}

// String renders the summary bar label, or "" when no tool was called.
func (s Stats) String() string {
	switch s.ToolCalls {
	case 0:
		return ""
	case 1:
		return "1 tool call"
	default:
		return fmt.Sprintf("%d tool calls", s.ToolCalls)
	}
}
