package marker

import (
	"regexp"
	"strings"
)

// Block is a complete fenced code block. Body is the raw text between the opener line and the
// closing fence. Start and End are byte positions of the whole block in the scanned buffer.
type Block struct {
	Lang  string
	Body  string
	Start int
	End   int
}

// TargetBlock is a fenced block attributed to a file path by a narration or heading dialect.
type TargetBlock struct {
	Target string
	Block
}

var (
	// The opener tolerates trailing non-newline junk after the language tag: in multi-file mode the
	// backend can glue a [MULTI_FILE_CONTENT:x] token directly onto "```html".
	fencedBlockRe = regexp.MustCompile("```([\\w-]*)[^\\n`]*\\n([\\s\\S]*?)```")

	// [工具调用] [<verb>] <target> ```lang\n<code>```
	toolCallRe = regexp.MustCompile("\\[工具调用\\][ \\t]*(?:([^\\s`]+)[ \\t]+)?([^\\s`]+)[ \\t]*\\n?```([\\w-]*)[ \\t]*\\n([\\s\\S]*?)```")

	// ### <path>\n```lang\n<code>```
	headingRe = regexp.MustCompile("###[ \\t]+([\\w/.-]+)[ \\t]*\\n```([\\w-]*)[ \\t]*\\n([\\s\\S]*?)```")

	codeMarkerRe  = regexp.MustCompile(`\[(?:CODE_BLOCK_START|CODE_STREAM|CODE_BLOCK_END)\]`)
	fenceOpenerRe = regexp.MustCompile("```[\\w-]*\\n?")
)

// FencedBlocks returns every complete fenced block in buf. An opener with no closing fence yet is
// not a block: while streaming it is code in progress, not empty code.
func FencedBlocks(buf string) []Block {
	matches := fencedBlockRe.FindAllStringSubmatchIndex(buf, -1)
	blocks := make([]Block, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, Block{
			Lang:  buf[m[2]:m[3]],
			Body:  buf[m[4]:m[5]],
			Start: m[0],
			End:   m[1],
		})
	}
	return blocks
}

// ToolCallBlocks returns the fenced payloads attached to tool invocation narration.
func ToolCallBlocks(buf string) []TargetBlock {
	matches := toolCallRe.FindAllStringSubmatchIndex(buf, -1)
	out := make([]TargetBlock, 0, len(matches))
	for _, m := range matches {
		out = append(out, TargetBlock{
			Target: strings.TrimSpace(buf[m[4]:m[5]]),
			Block: Block{
				Lang:  buf[m[6]:m[7]],
				Body:  buf[m[8]:m[9]],
				Start: m[0],
				End:   m[1],
			},
		})
	}
	return out
}

// HeadingBlocks returns fenced blocks introduced by a "### <path>" heading.
func HeadingBlocks(buf string) []TargetBlock {
	matches := headingRe.FindAllStringSubmatchIndex(buf, -1)
	out := make([]TargetBlock, 0, len(matches))
	for _, m := range matches {
		out = append(out, TargetBlock{
			Target: strings.TrimSpace(buf[m[2]:m[3]]),
			Block: Block{
				Lang:  buf[m[4]:m[5]],
				Body:  buf[m[6]:m[7]],
				Start: m[0],
				End:   m[1],
			},
		})
	}
	return out
}

// StripCodeMarkers removes carriage returns and single-file framing tokens.
func StripCodeMarkers(s string) string {
	if s == "" {
		return ""
	}
	return codeMarkerRe.ReplaceAllString(strings.ReplaceAll(s, "\r", ""), "")
}

// StripFences removes fence openers (with their language tag line) and bare closers.
// Single and double backticks inside code are left alone.
func StripFences(s string) string {
	s = fenceOpenerRe.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "```", "")
}

// CleanChunk turns a slice of framed stream text into plain file content.
func CleanChunk(s string) string {
	if s == "" {
		return ""
	}
	return StripFences(StripCodeMarkers(s))
}
