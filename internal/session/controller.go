package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/youruser/livegen/internal/display"
	"github.com/youruser/livegen/internal/files"
	"github.com/youruser/livegen/internal/genmode"
	"github.com/youruser/livegen/internal/logging"
	"github.com/youruser/livegen/internal/metrics"
	"github.com/youruser/livegen/internal/preview"
	"github.com/youruser/livegen/internal/transport"
)

var log = logging.Get()

const stopTimeout = 5 * time.Second

// User-facing notices.
const (
	NoticeInterrupted = "Generation was interrupted by the backend, please retry"
	NoticeStopped     = "Generation stopped"
	noticeFailed      = "Generation failed: %v"
)

// Streamer is the transport used by the controller. *transport.Client implements it.
type Streamer interface {
	Generate(ctx context.Context, r transport.GenerateRequest, callback transport.StreamCallback) error
	Stop(ctx context.Context, runID string) error
}

// Options configures a Controller.
type Options struct {
	Streamer     Streamer
	Materializer *preview.Materializer
	Observer     Observer
	// LiveParseInterval throttles advisory reconstruction while streaming. Negative disables it.
	LiveParseInterval time.Duration
	Clock             metrics.Clock
	NewRunID          func() string
}

// Controller runs generations for one target, one at a time. The preview slot outlives
// individual sessions so a new preview replaces the previous one without a gap.
type Controller struct {
	opts Options

	mu      sync.Mutex
	current *Session
	slot    preview.Slot
}

// NewController creates a controller. Missing options get defaults.
func NewController(opts Options) *Controller {
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Materializer == nil {
		opts.Materializer = preview.NewMaterializer("")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	return &Controller{opts: opts}
}

type note func(Observer)

// Start begins a generation. It returns ErrBusy while another session of this controller is
// active. The stream runs on its own goroutine; ctx bounds its lifetime.
func (c *Controller) Start(ctx context.Context, req Request) (*Session, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message must not be empty")
	}

	c.mu.Lock()
	if c.current != nil && c.current.State().Active() {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		RunID:   c.opts.NewRunID(),
		Request: req,
		Started: c.opts.Clock(),
		state:   Idle,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.metrics = metrics.NewRecorder(s.RunID, req.Mode, c.opts.Clock)
	c.current = s
	c.mu.Unlock()

	log.Info("Starting generation run=%s target=%s mode=%s", s.RunID, req.Target, req.Mode)
	c.apply(s, func() []note {
		return []note{s.setState(Connecting)}
	})

	go c.run(runCtx, s)
	return s, nil
}

// Current returns the most recent session, or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Generating reports whether a session is in flight.
func (c *Controller) Generating() bool {
	s := c.Current()
	return s != nil && s.State().Active()
}

// Preview returns the live preview handle, which may belong to an earlier session.
func (c *Controller) Preview() *preview.Handle {
	return c.slot.Current()
}

// Stop cancels the running session and asks the backend to stop it. It reports whether a
// session was actually stopped; calling it on an inactive session is a no-op.
func (c *Controller) Stop() bool {
	s := c.Current()
	if s == nil {
		return false
	}

	stopped := false
	c.apply(s, func() []note {
		if !s.state.Active() {
			return nil
		}
		stopped = true
		s.cancel()
		s.recordSummary("cancelled")
		return []note{s.setState(Cancelled), s.notice(NoticeStopped)}
	})
	if !stopped {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := c.opts.Streamer.Stop(ctx, s.RunID); err != nil {
		log.Debug("Backend stop for run %s failed (ignored): %v", s.RunID, err)
	}
	return true
}

// Wait blocks until the current session's goroutine exits.
func (c *Controller) Wait() {
	if s := c.Current(); s != nil {
		s.Wait()
	}
}

// Cleanup stops any running session and releases the live preview.
func (c *Controller) Cleanup() {
	c.Stop()
	c.slot.Release()
}

func (c *Controller) run(ctx context.Context, s *Session) {
	defer close(s.done)
	defer s.cancel()

	s.metrics.Start()
	err := c.opts.Streamer.Generate(ctx, transport.GenerateRequest{
		AppID:    s.Request.Target,
		Message:  s.Request.Message,
		RunID:    s.RunID,
		ModelKey: s.Request.ModelKey,
	}, func(ev transport.StreamEvent) {
		c.handle(s, ev)
	})
	c.finish(s, err)
}

// apply runs fn under the session lock and then delivers the notifications it returned, in
// order, before any later mutation of the same session can notify.
func (c *Controller) apply(s *Session, fn func() []note) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	notes := fn()
	s.mu.Unlock()

	for _, n := range notes {
		n(c.opts.Observer)
	}
}

func (c *Controller) handle(s *Session, ev transport.StreamEvent) {
	c.apply(s, func() []note {
		if s.state.Terminal() {
			return nil
		}
		switch ev.Type {
		case transport.EventOpen:
			s.metrics.Opened()
			if s.state == Connecting {
				return []note{s.setState(Streaming)}
			}
		case transport.EventMessage:
			return c.handleMessage(s, ev.Data)
		case transport.EventDone:
			return c.finalize(s)
		case transport.EventInterrupted:
			s.err = ErrInterrupted
			s.recordSummary("interrupted")
			return []note{s.setState(Interrupted), s.notice(NoticeInterrupted)}
		default:
			log.Debug("Ignoring SSE event %q for run %s", ev.Type, s.RunID)
		}
		return nil
	})
}

func (c *Controller) handleMessage(s *Session, data string) []note {
	chunk, err := transport.DecodeChunk(data)
	if err != nil {
		log.Error("Skipping malformed SSE payload for run %s: %v", s.RunID, err)
		return nil
	}
	if chunk == "" {
		return nil // keepalive
	}

	var notes []note
	if s.state == Connecting {
		notes = append(notes, s.setState(Streaming))
	}
	s.metrics.Chunk(len(chunk))
	s.buf.WriteString(chunk)

	buf := s.buf.String()
	if text := display.Filter(s.Request.Mode, buf); text != s.display {
		s.display = text
		notes = append(notes, func(o Observer) { o.DisplayChanged(s, text) })
	}
	return append(notes, c.advisory(s, buf)...)
}

// advisory reconstructs files from the partial buffer at most once per LiveParseInterval. Its
// result is a progressive preview only; finalize always parses again from the full buffer.
func (c *Controller) advisory(s *Session, buf string) []note {
	if c.opts.LiveParseInterval < 0 {
		return nil
	}
	now := c.opts.Clock()
	if !s.lastParse.IsZero() && now.Sub(s.lastParse) < c.opts.LiveParseInterval {
		return nil
	}
	s.lastParse = now

	res := files.ReconstructMode(s.Request.Mode, buf)
	if len(res.Files) == 0 || sameFiles(s.files, res.Files) {
		return nil
	}
	s.setFiles(res.Files, false)
	snapshot := slices.Clone(res.Files)
	notes := []note{func(o Observer) { o.FilesChanged(s, snapshot, false) }}
	return append(notes, c.publishPreview(s, res, false)...)
}

func (c *Controller) finalize(s *Session) []note {
	notes := []note{s.setState(Finalizing)}
	buf := s.buf.String()
	s.recordSummary("done")

	res := files.ReconstructMode(s.Request.Mode, buf)
	if err := res.Err(); err != nil {
		log.Info("Run %s produced no files (%d bytes of commentary)", s.RunID, len(buf))
	} else {
		log.Debug("Run %s reconstructed %d files via %s", s.RunID, len(res.Files), res.Dialect)
	}
	if len(s.files) > 0 {
		if changes := files.Compare(s.files, res.Files); files.Changed(changes) {
			log.Debug("Run %s final parse differs from live parse: %+v", s.RunID, changes)
		}
	}

	s.setFiles(res.Files, true)
	snapshot := slices.Clone(res.Files)
	notes = append(notes, func(o Observer) { o.FilesChanged(s, snapshot, true) })
	notes = append(notes, c.publishPreview(s, res, true)...)
	return append(notes, s.setState(Completed))
}

// publishPreview materializes the preview source of res when it changed. Construction errors
// keep the last good preview.
func (c *Controller) publishPreview(s *Session, res files.Result, final bool) []note {
	src := files.PreviewSource(res)
	if src == nil {
		return nil
	}
	multi := s.Request.Mode != genmode.SingleFile && len(res.Files) > 1
	key := previewKey(src, res, multi)
	if key == s.previewKey {
		return nil
	}

	var (
		h   *preview.Handle
		err error
	)
	if multi {
		h, err = c.opts.Materializer.MaterializeFiles(src.Path, res.Files)
	} else {
		h, err = c.opts.Materializer.Materialize(src.Content)
	}
	if err != nil {
		if final {
			log.Error("Preview for run %s not updated, keeping the last one: %v", s.RunID, err)
		} else {
			log.Debug("Live preview for run %s skipped: %v", s.RunID, err)
		}
		return nil
	}

	c.slot.Swap(h)
	s.preview = h
	s.previewKey = key
	return []note{func(o Observer) { o.PreviewReady(s, h) }}
}

func (c *Controller) finish(s *Session, err error) {
	c.apply(s, func() []note {
		if s.state.Terminal() {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			s.recordSummary("cancelled")
			return []note{s.setState(Cancelled), s.notice(NoticeStopped)}
		}
		if err == nil {
			err = fmt.Errorf("%w: stream ended without a terminal event", transport.ErrStreamError)
		}
		s.err = fmt.Errorf("%w: %w", ErrTransport, err)
		s.recordSummary("error")
		s.cancel()
		s.buf.Reset()
		log.Error("Run %s failed: %v", s.RunID, err)
		return []note{s.setState(Failed), s.notice(fmt.Sprintf(noticeFailed, err))}
	})
}

// setState must be called with s.mu held.
func (s *Session) setState(st State) note {
	prev := s.state
	s.state = st
	log.Debug("Run %s: %s -> %s", s.RunID, prev, st)
	return func(o Observer) { o.StateChanged(s, st) }
}

func (s *Session) notice(msg string) note {
	return func(o Observer) { o.Notice(s, msg) }
}

// recordSummary must be called with s.mu held.
func (s *Session) recordSummary(event string) {
	sum := s.metrics.Summary(event, s.buf.String())
	s.summary = &sum
}

func sameFiles(a, b []files.GeneratedFile) bool {
	return slices.EqualFunc(a, b, func(x, y files.GeneratedFile) bool {
		return x.Name == y.Name && x.Content == y.Content
	})
}

func previewKey(src *files.GeneratedFile, res files.Result, multi bool) string {
	if !multi {
		return preview.HashContent(src.Content)
	}
	var b strings.Builder
	for _, f := range res.Files {
		b.WriteString(f.Path)
		b.WriteByte(0)
		b.WriteString(f.Content)
		b.WriteByte(0)
	}
	return preview.HashContent(b.String())
}
