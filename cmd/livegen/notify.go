package main

import (
	"github.com/youruser/livegen/internal/display"
	"github.com/youruser/livegen/internal/files"
	"github.com/youruser/livegen/internal/preview"
	"github.com/youruser/livegen/internal/session"
)

// bridgeObserver forwards session notifications to stdout as untagged JSON lines.
type bridgeObserver struct{}

func notify(s *session.Session, typ string, data map[string]any) {
	data["type"] = typ
	data["target"] = s.Request.Target
	data["run_id"] = s.RunID
	respond("", data)
}

func (bridgeObserver) StateChanged(s *session.Session, st session.State) {
	data := map[string]any{"state": st.String()}
	if st.Terminal() {
		if sum := s.Summary(); sum != nil {
			data["metrics"] = sum
		}
		if err := s.Err(); err != nil {
			data["error"] = err.Error()
		}
	}
	notify(s, "state", data)
}

func (bridgeObserver) DisplayChanged(s *session.Session, text string) {
	stats := display.CountActions(text)
	notify(s, "display", map[string]any{
		"text":    text,
		"stats":   stats,
		"summary": stats.String(),
	})
}

func (bridgeObserver) FilesChanged(s *session.Session, snapshot []files.GeneratedFile, final bool) {
	notify(s, "files", map[string]any{
		"final":       final,
		"active_file": s.ActiveFileID(),
		"files":       fileList(snapshot),
		"summary":     summarizeFiles(snapshot),
	})
}

func (bridgeObserver) PreviewReady(s *session.Session, h *preview.Handle) {
	notify(s, "preview", map[string]any{"url": h.URL, "path": h.Path})
}

func (bridgeObserver) Notice(s *session.Session, msg string) {
	notify(s, "notice", map[string]any{"message": msg})
}
