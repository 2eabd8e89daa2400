package main

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/youruser/livegen/internal/files"
)

// maxPathWidth caps the path column; longer paths are truncated with an ellipsis.
const maxPathWidth = 48

func fileList(set []files.GeneratedFile) []map[string]any {
	list := make([]map[string]any, 0, len(set))
	for _, f := range set {
		list = append(list, map[string]any{
			"id":       f.ID,
			"name":     f.Name,
			"path":     f.Path,
			"language": f.Language,
			"bytes":    len(f.Content),
			"lines":    lineCount(f.Content),
		})
	}
	return list
}

// summarizeFiles renders an aligned table of the file set. Paths may be CJK, so columns are
// padded by display width rather than byte or rune count.
func summarizeFiles(set []files.GeneratedFile) string {
	if len(set) == 0 {
		return ""
	}
	width := 0
	paths := make([]string, len(set))
	for i, f := range set {
		paths[i] = runewidth.Truncate(f.Path, maxPathWidth, "…")
		width = max(width, runewidth.StringWidth(paths[i]))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Files (%d):\n", len(set))
	for i, f := range set {
		lang := f.Language
		if lang == "" {
			lang = "-"
		}
		fmt.Fprintf(&b, "  %s  %-10s %5d lines\n", runewidth.FillRight(paths[i], width), lang, lineCount(f.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
