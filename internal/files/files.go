// Package files reconstructs the generated file set from a complete stream buffer.
//
// Reconstruct is a pure function of the buffer: calling it twice on the same text yields the same
// files with the same ids, which is what lets the session controller run it opportunistically while
// streaming and then once more, authoritatively, when the stream completes.
package files

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/youruser/livegen/internal/genmode"
	"github.com/youruser/livegen/internal/marker"
)

// ErrNoFiles is returned when no dialect yields a file.
var ErrNoFiles = errors.New("no files reconstructed")

// GeneratedFile is one reconstructed file.
type GeneratedFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language"`
}

// Dialect names the marker grammar that produced a file set.
type Dialect string

const (
	DialectMultiFile  Dialect = "multi_file"
	DialectSingleFile Dialect = "single_file"
	DialectToolCall   Dialect = "tool_call"
	DialectHeading    Dialect = "heading"
	DialectEmergency  Dialect = "emergency"
	DialectNone       Dialect = "none"
)

// Result is the outcome of a reconstruction.
type Result struct {
	Files   []GeneratedFile
	Dialect Dialect
}

// Err returns ErrNoFiles when the result is empty.
func (r Result) Err() error {
	if len(r.Files) == 0 {
		return ErrNoFiles
	}
	return nil
}

// Find returns the file named name, or nil.
func (r Result) Find(name string) *GeneratedFile {
	for i := range r.Files {
		if r.Files[i].Name == name {
			return &r.Files[i]
		}
	}
	return nil
}

// SingleFileID and SingleFileName identify the implicit document of single-file mode.
const (
	SingleFileID   = "html-file"
	SingleFileName = "index.html"
)

// ReconstructMode reconstructs buf the way mode frames its files.
func ReconstructMode(mode genmode.Mode, buf string) Result {
	if mode == genmode.SingleFile {
		html := ExtractHTML(buf)
		if html == "" {
			return Result{Dialect: DialectNone}
		}
		return Result{
			Dialect: DialectSingleFile,
			Files: []GeneratedFile{{
				ID:       SingleFileID,
				Name:     SingleFileName,
				Path:     SingleFileName,
				Content:  html,
				Language: "html",
			}},
		}
	}
	return Reconstruct(buf)
}

// Reconstruct derives the file set from buf. The multi-file markers are authoritative; the
// older dialects are consulted in priority order only when they yield nothing, so replays of
// historical conversations still render.
func Reconstruct(buf string) Result {
	if buf == "" {
		return Result{Dialect: DialectNone}
	}
	if files := reduceMultiFile(buf, marker.Scan(buf)); len(files) > 0 {
		return Result{Files: files, Dialect: DialectMultiFile}
	}
	if files := fromToolCalls(buf); len(files) > 0 {
		return Result{Files: files, Dialect: DialectToolCall}
	}
	if files := fromHeadings(buf); len(files) > 0 {
		return Result{Files: files, Dialect: DialectHeading}
	}
	if files := fromFencedBlocks(buf); len(files) > 0 {
		return Result{Files: files, Dialect: DialectEmergency}
	}
	return Result{Dialect: DialectNone}
}

// accumulator keeps per-file chunks in first-seen order.
type accumulator struct {
	order  []string
	chunks map[string][]string
	langs  map[string]string
}

func newAccumulator() *accumulator {
	return &accumulator{chunks: make(map[string][]string), langs: make(map[string]string)}
}

func (a *accumulator) open(name string) {
	if _, ok := a.chunks[name]; ok {
		return
	}
	a.order = append(a.order, name)
	a.chunks[name] = nil
}

func (a *accumulator) add(name, chunk string) {
	a.open(name)
	a.chunks[name] = append(a.chunks[name], chunk)
}

func (a *accumulator) build(sep string) []GeneratedFile {
	var out []GeneratedFile
	for _, name := range a.order {
		content := strings.TrimSpace(strings.Join(a.chunks[name], sep))
		if content == "" {
			continue
		}
		lang := a.langs[name]
		if lang == "" {
			lang = LanguageFromFilename(name)
		}
		out = append(out, GeneratedFile{
			ID:       fmt.Sprintf("file-%d", len(out)),
			Name:     name,
			Path:     name,
			Content:  content,
			Language: lang,
		})
	}
	return out
}

// reduceMultiFile folds multi-file marker events into files. Text between the cursor and the next
// marker belongs to whichever file is open; with no open file it is narration and is dropped.
func reduceMultiFile(buf string, events []marker.Event) []GeneratedFile {
	acc := newAccumulator()
	current := ""
	cursor := 0

	appendOpen := func(snippet string) {
		if current == "" {
			return
		}
		// Whitespace-only chunks are kept: a lone newline token separates lines.
		if cleaned := marker.CleanChunk(snippet); cleaned != "" {
			acc.add(current, cleaned)
		}
	}

	for _, ev := range events {
		if !ev.Kind.IsMultiFile() {
			continue
		}
		appendOpen(buf[cursor:ev.Offset])
		switch ev.Kind {
		case marker.MultiFileStart, marker.MultiFileContent:
			current = ev.Name
			if current != "" {
				acc.open(current)
			}
		case marker.MultiFileEnd:
			current = ""
		}
		cursor = ev.End
	}
	appendOpen(buf[cursor:])

	return acc.build("")
}

func fromToolCalls(buf string) []GeneratedFile {
	acc := newAccumulator()
	for _, tb := range marker.ToolCallBlocks(buf) {
		if tb.Target == "" {
			continue
		}
		acc.add(tb.Target, strings.ReplaceAll(tb.Body, "\r", ""))
		if tb.Lang != "" {
			acc.langs[tb.Target] = tb.Lang
		}
	}
	return acc.build("\n")
}

func fromHeadings(buf string) []GeneratedFile {
	var out []GeneratedFile
	for _, tb := range marker.HeadingBlocks(buf) {
		lang := tb.Lang
		if lang == "" {
			lang = LanguageFromFilename(tb.Target)
		}
		out = append(out, GeneratedFile{
			ID:       fmt.Sprintf("file-%d", len(out)),
			Name:     tb.Target,
			Path:     tb.Target,
			Content:  strings.TrimSpace(tb.Body),
			Language: lang,
		})
	}
	return out
}

// fromFencedBlocks is the last resort: every complete fenced block becomes file_<n>.<ext>.
func fromFencedBlocks(buf string) []GeneratedFile {
	var out []GeneratedFile
	for _, b := range marker.FencedBlocks(marker.StripCodeMarkers(buf)) {
		content := strings.TrimSpace(b.Body)
		if content == "" {
			continue
		}
		n := len(out) + 1
		name := fmt.Sprintf("file_%d.%s", n, ExtensionForLanguage(b.Lang))
		lang := LanguageFromFilename(name)
		out = append(out, GeneratedFile{
			ID:       fmt.Sprintf("file-%d", len(out)),
			Name:     name,
			Path:     name,
			Content:  content,
			Language: lang,
		})
	}
	return out
}

// ExtractHTML pulls the single-file document out of buf: the first complete fenced block once
// framing markers are gone, or the whole text when it is an unfenced HTML document.
func ExtractHTML(buf string) string {
	cleaned := marker.StripCodeMarkers(buf)
	if cleaned == "" {
		return ""
	}
	if blocks := marker.FencedBlocks(cleaned); len(blocks) > 0 {
		if body := strings.TrimSpace(blocks[0].Body); body != "" {
			return body
		}
	}
	// An open fence means the document is still arriving.
	if !strings.Contains(cleaned, "```") && LooksLikeHTML(cleaned) {
		return strings.TrimSpace(cleaned)
	}
	return ""
}

// LooksLikeHTML reports whether s contains a document-level HTML tag.
func LooksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "<html") || strings.Contains(lower, "<!doctype") || strings.Contains(lower, "<body")
}

// PreviewSource returns the file a preview should be built from: index.html at the root, then
// any index.html in a subdirectory.
func PreviewSource(result Result) *GeneratedFile {
	if f := result.Find(SingleFileName); f != nil {
		return f
	}
	for i := range result.Files {
		if path.Base(result.Files[i].Name) == SingleFileName {
			return &result.Files[i]
		}
	}
	return nil
}
