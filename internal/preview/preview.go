// Package preview turns a generated HTML document into a locally loadable artifact.
package preview

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/youruser/livegen/internal/files"
	"github.com/youruser/livegen/internal/logging"
	"github.com/youruser/livegen/internal/workspace"
)

// ErrUnsupportedContent is returned when there is nothing to preview.
var ErrUnsupportedContent = errors.New("preview content is empty")

var log = logging.Get()

var seq atomic.Uint64

// Handle refers to a materialized preview. Release deletes the backing file.
type Handle struct {
	Path string `json:"path"`
	URL  string `json:"url"`
	Hash string `json:"hash"`

	dir      string // set for multi-file previews; removed as a whole
	released atomic.Bool
}

// Release removes the preview file. Safe to call more than once and on nil.
func (h *Handle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	var err error
	if h.dir != "" {
		err = os.RemoveAll(h.dir)
	} else {
		err = os.Remove(h.Path)
	}
	if err != nil && !os.IsNotExist(err) {
		log.Error("Failed to release preview %s: %v", h.Path, err)
		return
	}
	log.Debug("Released preview %s", h.Path)
}

// Released reports whether Release has run.
func (h *Handle) Released() bool {
	return h != nil && h.released.Load()
}

// Materializer writes preview documents into a directory.
type Materializer struct {
	dir string
}

// NewMaterializer creates a materializer rooted at dir. An empty dir uses a livegen directory
// under the OS temp dir.
func NewMaterializer(dir string) *Materializer {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "livegen-preview")
	}
	return &Materializer{dir: dir}
}

// Dir returns the preview directory.
func (m *Materializer) Dir() string { return m.dir }

// Materialize writes html to a fresh file and returns its handle. Each call creates a distinct
// file so an older handle can be released without touching the newer one. Fragments without a
// document element are written as-is; browsers render them.
func (m *Materializer) Materialize(html string) (*Handle, error) {
	html = strings.TrimSpace(html)
	if html == "" {
		return nil, ErrUnsupportedContent
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("create preview dir: %w", err)
	}

	hash := HashContent(html)
	name := fmt.Sprintf("preview-%s-%d.html", shortHash(html), seq.Add(1))
	path := filepath.Join(m.dir, name)

	if err := os.WriteFile(path, []byte(html), 0644); err != nil {
		return nil, fmt.Errorf("write preview: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	log.Debug("Materialized preview %s (%d bytes)", abs, len(html))
	return &Handle{Path: abs, URL: u.String(), Hash: hash}, nil
}

// MaterializeFiles writes a whole file set into a fresh directory so relative stylesheet and
// script references of the entry document resolve. The handle points at entry.
func (m *Materializer) MaterializeFiles(entry string, set []files.GeneratedFile) (*Handle, error) {
	var html string
	for _, f := range set {
		if f.Path == entry {
			html = strings.TrimSpace(f.Content)
		}
	}
	if html == "" {
		return nil, ErrUnsupportedContent
	}

	dir := filepath.Join(m.dir, fmt.Sprintf("preview-%s-%d", shortHash(html), seq.Add(1)))
	if _, err := workspace.Export(dir, set); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write preview files: %w", err)
	}

	path, err := workspace.SafeJoin(dir, entry)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	log.Debug("Materialized preview set %s (%d files)", dir, len(set))
	return &Handle{Path: path, URL: u.String(), Hash: HashContent(html), dir: dir}, nil
}

// Slot holds the current preview of a session.
type Slot struct {
	mu      sync.Mutex
	current *Handle
}

// Swap installs next as the current preview and releases the previous one afterwards.
// Swapping in the handle already held is a no-op.
func (s *Slot) Swap(next *Handle) {
	s.mu.Lock()
	prev := s.current
	s.current = next
	s.mu.Unlock()
	if prev != nil && prev != next {
		prev.Release()
	}
}

// Current returns the installed handle, or nil.
func (s *Slot) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Release releases the current handle and empties the slot.
func (s *Slot) Release() {
	s.Swap(nil)
}
