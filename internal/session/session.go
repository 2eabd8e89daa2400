// Package session drives one generation at a time per target: it feeds transport events into
// the raw buffer, keeps the display projection current, reconstructs files and publishes
// previews, and owns cancellation.
package session

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/youruser/livegen/internal/files"
	"github.com/youruser/livegen/internal/genmode"
	"github.com/youruser/livegen/internal/metrics"
	"github.com/youruser/livegen/internal/preview"
)

var (
	ErrTransport   = errors.New("transport failure")
	ErrInterrupted = errors.New("generation interrupted by backend")
	ErrBusy        = errors.New("a generation is already running for this target")
)

// Request describes a generation to start.
type Request struct {
	Target   string       `json:"target"`
	Message  string       `json:"message"`
	Mode     genmode.Mode `json:"-"`
	ModelKey string       `json:"model_key,omitempty"`
}

// Session is the state of one generation run. The controller is its only writer.
type Session struct {
	RunID   string
	Request Request
	Started time.Time

	// notifyMu serializes mutation plus the notifications it produces.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	buf        strings.Builder
	display    string
	files      []files.GeneratedFile
	final      bool
	activeFile string
	preview    *preview.Handle
	previewKey string
	lastParse  time.Time
	err        error
	summary    *metrics.Summary

	metrics *metrics.Recorder
	cancel  func()
	done    chan struct{}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Buffer returns the raw text received so far. It is retained after an interruption so the
// user can retry, and discarded after a transport failure.
func (s *Session) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Display returns the latest display projection.
func (s *Session) Display() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display
}

// Files returns the latest file snapshot and whether it is the authoritative final parse.
func (s *Session) Files() ([]files.GeneratedFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.files), s.final
}

// ActiveFileID returns the id of the file that has UI focus, or "" when there are no files.
func (s *Session) ActiveFileID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeFile
}

// SetActiveFile moves UI focus to the file with id. It reports false when no such file exists.
func (s *Session) SetActiveFile(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !hasFile(s.files, id) {
		return false
	}
	s.activeFile = id
	return true
}

// setFiles installs a snapshot. Live snapshots keep focus while the focused id still exists;
// the final parse moves focus back to the first file. Callers hold s.mu.
func (s *Session) setFiles(set []files.GeneratedFile, final bool) {
	s.files = set
	s.final = final
	switch {
	case len(set) == 0:
		s.activeFile = ""
	case final || !hasFile(set, s.activeFile):
		s.activeFile = set[0].ID
	}
}

func hasFile(set []files.GeneratedFile, id string) bool {
	return id != "" && slices.ContainsFunc(set, func(f files.GeneratedFile) bool { return f.ID == id })
}

// Preview returns the preview published by this session, if any.
func (s *Session) Preview() *preview.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preview
}

// Err returns why the session ended unsuccessfully. Cancellation is not an error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Summary returns the metrics recorded when the run ended, or nil.
func (s *Session) Summary() *metrics.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Done is closed when the run goroutine exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the run goroutine exits.
func (s *Session) Wait() {
	<-s.done
}

// Status is a point-in-time view of a session for reporting.
type Status struct {
	RunID   string `json:"run_id"`
	Target  string `json:"target"`
	Mode    string `json:"mode"`
	State   string `json:"state"`
	Bytes   int    `json:"bytes"`
	Files   int    `json:"files"`
	Final   bool   `json:"final"`
	Active  string `json:"active_file,omitempty"`
	Preview string `json:"preview,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		RunID:  s.RunID,
		Target: s.Request.Target,
		Mode:   s.Request.Mode.String(),
		State:  s.state.String(),
		Bytes:  s.buf.Len(),
		Files:  len(s.files),
		Final:  s.final,
		Active: s.activeFile,
	}
	if s.preview != nil {
		st.Preview = s.preview.URL
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}
