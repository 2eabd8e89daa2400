package session

import (
	"github.com/youruser/livegen/internal/files"
	"github.com/youruser/livegen/internal/preview"
)

// Observer receives session notifications. Calls for one session are serialized and arrive in
// transport order. Implementations must not call Stop from inside a notification.
type Observer interface {
	StateChanged(s *Session, state State)
	// DisplayChanged carries the full display text, not a delta.
	DisplayChanged(s *Session, text string)
	// FilesChanged carries a full snapshot. final is set once, for the authoritative parse.
	FilesChanged(s *Session, snapshot []files.GeneratedFile, final bool)
	PreviewReady(s *Session, h *preview.Handle)
	// Notice carries a user-facing message (interruption, stop, failure).
	Notice(s *Session, msg string)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) StateChanged(*Session, State) {}
func (NopObserver) DisplayChanged(*Session, string) {}
func (NopObserver) FilesChanged(*Session, []files.GeneratedFile, bool) {}
func (NopObserver) PreviewReady(*Session, *preview.Handle) {}
func (NopObserver) Notice(*Session, string) {}

// Multi fans notifications out to several observers in order.
type Multi []Observer

func (m Multi) StateChanged(s *Session, state State) {
	for _, o := range m {
		o.StateChanged(s, state)
	}
}

func (m Multi) DisplayChanged(s *Session, text string) {
	for _, o := range m {
		o.DisplayChanged(s, text)
	}
}

func (m Multi) FilesChanged(s *Session, snapshot []files.GeneratedFile, final bool) {
	for _, o := range m {
		o.FilesChanged(s, snapshot, final)
	}
}

func (m Multi) PreviewReady(s *Session, h *preview.Handle) {
	for _, o := range m {
		o.PreviewReady(s, h)
	}
}

func (m Multi) Notice(s *Session, msg string) {
	for _, o := range m {
		o.Notice(s, msg)
	}
}
