// Package marker tokenizes the inline markers the generation backend embeds in its text stream.
//
// The backend multiplexes commentary, tool narration and generated files into one flat text
// channel. Three families of bracketed tokens frame that content:
//
//	[CODE_BLOCK_START] [CODE_STREAM] [CODE_BLOCK_END]          single implicit file
//	[MULTI_FILE_START:x] [MULTI_FILE_CONTENT:x] [MULTI_FILE_END:x]  named files
//	[选择工具] [工具调用] [执行结束]                               tool narration
//
// Scan finds marker occurrences; it never interprets the text between them. Interpretation lives in
// the files and display packages so that "find markers" and "accumulate content" stay separate.
package marker

import (
	"regexp"
	"strings"
)

// Kind identifies the marker token type.
type Kind int

const (
	CodeBlockStart Kind = iota
	CodeStream
	CodeBlockEnd
	MultiFileStart
	MultiFileContent
	MultiFileEnd
	ToolSelect
	ToolInvoke
	ExecutionEnd
)

var kindNames = [...]string{
	CodeBlockStart:   "code_block_start",
	CodeStream:       "code_stream",
	CodeBlockEnd:     "code_block_end",
	MultiFileStart:   "multi_file_start",
	MultiFileContent: "multi_file_content",
	MultiFileEnd:     "multi_file_end",
	ToolSelect:       "tool_select",
	ToolInvoke:       "tool_invoke",
	ExecutionEnd:     "execution_end",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Narration tokens as they appear on the wire.
const (
	ToolSelectToken   = "[选择工具]"
	ToolInvokeToken   = "[工具调用]"
	ExecutionEndToken = "[执行结束]"
)

// Event is one marker occurrence. Offset and End are byte positions in the scanned buffer
// (End is exclusive). Name is set for multi-file markers only.
type Event struct {
	Kind   Kind
	Name   string
	Offset int
	End    int
}

// Single-file framing, multi-file framing and narration in one alternation so a single pass
// yields events in stream order.
var tokenRe = regexp.MustCompile(
	`\[(CODE_BLOCK_START|CODE_STREAM|CODE_BLOCK_END)\]` +
		`|\[MULTI_FILE_(START|CONTENT|END):([^\]]+)\]` +
		`|\[(选择工具|工具调用|执行结束|执行结端)\]`)

// Scan returns every marker in buf in scan order.
func Scan(buf string) []Event {
	matches := tokenRe.FindAllStringSubmatchIndex(buf, -1)
	if len(matches) == 0 {
		return nil
	}
	events := make([]Event, 0, len(matches))
	for _, m := range matches {
		ev := Event{Offset: m[0], End: m[1]}
		switch {
		case m[2] >= 0:
			switch buf[m[2]:m[3]] {
			case "CODE_BLOCK_START":
				ev.Kind = CodeBlockStart
			case "CODE_STREAM":
				ev.Kind = CodeStream
			default:
				ev.Kind = CodeBlockEnd
			}
		case m[4] >= 0:
			switch buf[m[4]:m[5]] {
			case "START":
				ev.Kind = MultiFileStart
			case "CONTENT":
				ev.Kind = MultiFileContent
			default:
				ev.Kind = MultiFileEnd
			}
			ev.Name = strings.TrimSpace(buf[m[6]:m[7]])
		default:
			switch buf[m[8]:m[9]] {
			case "选择工具":
				ev.Kind = ToolSelect
			case "工具调用":
				ev.Kind = ToolInvoke
			default:
				ev.Kind = ExecutionEnd
			}
		}
		events = append(events, ev)
	}
	return events
}

// Filter returns the events whose kind is one of kinds, preserving order.
func Filter(events []Event, kinds ...Kind) []Event {
	var out []Event
	for _, ev := range events {
		for _, k := range kinds {
			if ev.Kind == k {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// IsMultiFile reports whether k belongs to the named-file family.
func (k Kind) IsMultiFile() bool {
	return k == MultiFileStart || k == MultiFileContent || k == MultiFileEnd
}

// IsSingleFile reports whether k belongs to the single-file family.
func (k Kind) IsSingleFile() bool {
	return k == CodeBlockStart || k == CodeStream || k == CodeBlockEnd
}

// IsNarration reports whether k is a tool narration marker.
func (k Kind) IsNarration() bool {
	return k == ToolSelect || k == ToolInvoke || k == ExecutionEnd
}
