package files

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ChangeStatus classifies a file between two snapshots.
type ChangeStatus string

const (
	StatusAdded     ChangeStatus = "added"
	StatusRemoved   ChangeStatus = "removed"
	StatusModified  ChangeStatus = "modified"
	StatusUnchanged ChangeStatus = "unchanged"
)

// Change is the line-level difference of one file between two snapshots.
type Change struct {
	Name         string       `json:"name"`
	Status       ChangeStatus `json:"status"`
	LinesAdded   int          `json:"lines_added"`
	LinesRemoved int          `json:"lines_removed"`
}

// Compare reports per-file changes from old to new. Files are listed in new's order followed by
// files only present in old.
func Compare(old, new []GeneratedFile) []Change {
	prev := make(map[string]string, len(old))
	for _, f := range old {
		prev[f.Name] = f.Content
	}
	seen := make(map[string]bool, len(new))

	var changes []Change
	for _, f := range new {
		seen[f.Name] = true
		before, ok := prev[f.Name]
		if !ok {
			changes = append(changes, Change{Name: f.Name, Status: StatusAdded, LinesAdded: countLines(f.Content)})
			continue
		}
		if before == f.Content {
			changes = append(changes, Change{Name: f.Name, Status: StatusUnchanged})
			continue
		}
		added, removed := lineDelta(before, f.Content)
		changes = append(changes, Change{Name: f.Name, Status: StatusModified, LinesAdded: added, LinesRemoved: removed})
	}
	for _, f := range old {
		if seen[f.Name] {
			continue
		}
		changes = append(changes, Change{Name: f.Name, Status: StatusRemoved, LinesRemoved: countLines(f.Content)})
	}
	return changes
}

// Changed reports whether any entry differs.
func Changed(changes []Change) bool {
	for _, c := range changes {
		if c.Status != StatusUnchanged {
			return true
		}
	}
	return false
}

func lineDelta(a, b string) (added, removed int) {
	dmp := diffmatchpatch.New()
	// Each rune stands for one line of the original text.
	rA, rB, _ := dmp.DiffLinesToRunes(a, b)
	diffs := dmp.DiffMainRunes(rA, rB, false)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += utf8.RuneCountInString(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += utf8.RuneCountInString(d.Text)
		}
	}
	return added, removed
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := 1
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			n++
		}
	}
	if s[len(s)-1] == '\n' {
		n--
	}
	return n
}
