// Package display derives the chat-facing text from a raw generation buffer.
//
// Every mode runs the same pipeline; a Profile only decides which structural marker family is
// stripped together with the code it wraps. Narration formatting and whitespace cleanup are shared
// so the three modes cannot drift apart.
package display

import (
	"regexp"
	"strings"

	"github.com/youruser/livegen/internal/genmode"
	"github.com/youruser/livegen/internal/marker"
)

// Family is a structural marker family.
type Family int

const (
	FamilySingleFile Family = iota
	FamilyMultiFile
)

// Profile configures the pipeline for one generation mode.
type Profile struct {
	Mode   genmode.Mode
	Strips Family
}

var profiles = map[genmode.Mode]Profile{
	genmode.SingleFile:        {Mode: genmode.SingleFile, Strips: FamilySingleFile},
	genmode.MultiFile:         {Mode: genmode.MultiFile, Strips: FamilyMultiFile},
	genmode.StructuredProject: {Mode: genmode.StructuredProject, Strips: FamilyMultiFile},
}

// ProfileFor returns the profile for mode. Unknown modes use the multi-file profile.
func ProfileFor(mode genmode.Mode) Profile {
	if p, ok := profiles[mode]; ok {
		return p
	}
	return Profile{Mode: mode, Strips: FamilyMultiFile}
}

// Filter returns the display projection of buf for mode.
func Filter(mode genmode.Mode, buf string) string {
	return ProfileFor(mode).Apply(buf)
}

// FilterSingleFile filters single-file (HTML) generations.
func FilterSingleFile(buf string) string { return Filter(genmode.SingleFile, buf) }

// FilterMultiFile filters multi-file generations.
func FilterMultiFile(buf string) string { return Filter(genmode.MultiFile, buf) }

// FilterProject filters structured-project generations.
func FilterProject(buf string) string { return Filter(genmode.StructuredProject, buf) }

var (
	// A framing token and the text after it up to the next blank line.
	singleFileRunRe = regexp.MustCompile(`\[(?:CODE_BLOCK_START|CODE_STREAM|CODE_BLOCK_END)\](?:[^\n]|\n[^\n])*`)
	anyFramingRe    = regexp.MustCompile(`\[(?:CODE_BLOCK_START|CODE_STREAM|CODE_BLOCK_END)\]|\[MULTI_FILE_(?:START|CONTENT|END):[^\]]+\]`)

	inlineCodeRe     = regexp.MustCompile("`[^`\\n]*`")
	openInlineCodeRe = regexp.MustCompile("(?m)`[^`\\n]*$")

	stepRe = regexp.MustCompile(`STEP\s+\d+:[^\n]*`)
	// A narration token with any bold markers glued to it. Matched left to right in one pass, so
	// the closing ** of one token and the opening ** of the next are both consumed.
	boldNarrationRe = regexp.MustCompile(`(?:\*\*)?(\[(?:选择工具|工具调用|执行结[束端])\])(?:\*\*)?`)
	toolSelectRe    = regexp.MustCompile(`\[选择工具\][ \t]*([^\[\n]*)`)
	toolInvokeRe    = regexp.MustCompile(`\[工具调用\][ \t]*([^\[\n]*)`)
	executionEndRe  = regexp.MustCompile(`\[执行结[束端]\]`)

	featuresHeadingRe = regexp.MustCompile(`(?m)^(实现的功能：)`)
	nextHeadingRe     = regexp.MustCompile(`(?m)^(What's next\?)`)

	blankRunRe = regexp.MustCompile(`\n\s*\n\s*\n`)
)

// Apply runs the pipeline.
func (p Profile) Apply(buf string) string {
	if buf == "" {
		return ""
	}
	s := strings.ReplaceAll(buf, "\r", "")
	s = removeFences(s)
	switch p.Strips {
	case FamilySingleFile:
		s = singleFileRunRe.ReplaceAllString(s, "")
	default:
		s = stripMultiFile(s)
	}
	s = anyFramingRe.ReplaceAllString(s, "")
	s = inlineCodeRe.ReplaceAllString(s, "")
	s = openInlineCodeRe.ReplaceAllString(s, "")
	s = formatNarration(s)
	s = featuresHeadingRe.ReplaceAllString(s, "**${1}**")
	s = nextHeadingRe.ReplaceAllString(s, "**${1}**")
	return tidy(s)
}

// removeFences drops complete fenced blocks, then everything from the first remaining fence:
// an opener without a closer is code in progress.
func removeFences(s string) string {
	blocks := marker.FencedBlocks(s)
	if len(blocks) > 0 {
		var b strings.Builder
		b.Grow(len(s))
		cursor := 0
		for _, blk := range blocks {
			b.WriteString(s[cursor:blk.Start])
			cursor = blk.End
		}
		b.WriteString(s[cursor:])
		s = b.String()
	}
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[:i]
	}
	return s
}

// stripMultiFile removes START…END pairs, CONTENT runs (up to the next multi-file marker or
// the end) and orphan tokens.
func stripMultiFile(s string) string {
	events := marker.Filter(marker.Scan(s), marker.MultiFileStart, marker.MultiFileContent, marker.MultiFileEnd)
	if len(events) == 0 {
		return s
	}

	// nextEnd[i] is the index of the first END at or after i, or -1.
	nextEnd := make([]int, len(events)+1)
	nextEnd[len(events)] = -1
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == marker.MultiFileEnd {
			nextEnd[i] = i
		} else {
			nextEnd[i] = nextEnd[i+1]
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	cursor := 0
	for i := 0; i < len(events); i++ {
		ev := events[i]
		b.WriteString(s[cursor:ev.Offset])
		switch ev.Kind {
		case marker.MultiFileEnd:
			cursor = ev.End
			continue
		case marker.MultiFileStart:
			if j := nextEnd[i+1]; j >= 0 {
				cursor = events[j].End
				i = j
				continue
			}
		}
		// CONTENT, or a START that is still open.
		if i+1 < len(events) {
			cursor = events[i+1].Offset
		} else {
			cursor = len(s)
		}
	}
	b.WriteString(s[cursor:])
	return b.String()
}

func formatNarration(s string) string {
	s = stepRe.ReplaceAllString(s, "")
	s = boldNarrationRe.ReplaceAllString(s, "$1")
	s = toolSelectRe.ReplaceAllStringFunc(s, func(m string) string {
		return annotate(marker.ToolSelectToken, toolSelectRe.FindStringSubmatch(m)[1])
	})
	s = toolInvokeRe.ReplaceAllStringFunc(s, func(m string) string {
		return annotate(marker.ToolInvokeToken, toolInvokeRe.FindStringSubmatch(m)[1])
	})
	return executionEndRe.ReplaceAllString(s, "**"+marker.ExecutionEndToken+"**\n\n")
}

func annotate(token, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return "**" + token + "** " + text + "\n\n"
}

// tidy collapses blank runs and trims. A trailing partial marker (a token still arriving) is cut
// until none remains, which keeps the result stable under re-filtering.
func tidy(s string) string {
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)
	for {
		cut := trimPartialMarker(s)
		if cut == s {
			return s
		}
		s = strings.TrimSpace(cut)
	}
}

var markerPrefixes = []string{
	"[CODE_BLOCK_START]",
	"[CODE_STREAM]",
	"[CODE_BLOCK_END]",
	"[MULTI_FILE_START:",
	"[MULTI_FILE_CONTENT:",
	"[MULTI_FILE_END:",
	marker.ToolSelectToken,
	marker.ToolInvokeToken,
	marker.ExecutionEndToken,
}

func trimPartialMarker(s string) string {
	i := strings.LastIndex(s, "[")
	if i < 0 {
		return s
	}
	tail := s[i:]
	if strings.Contains(tail, "]") {
		return s
	}
	for _, p := range markerPrefixes {
		if strings.HasPrefix(p, tail) || (strings.HasSuffix(p, ":") && strings.HasPrefix(tail, p)) {
			return s[:i]
		}
	}
	return s
}
