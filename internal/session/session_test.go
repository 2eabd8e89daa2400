package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/livegen/internal/display"
	"github.com/youruser/livegen/internal/files"
	"github.com/youruser/livegen/internal/genmode"
	"github.com/youruser/livegen/internal/preview"
	"github.com/youruser/livegen/internal/transport"
)

const multiFileStream = "好的，我来生成页面。\n" +
	"[MULTI_FILE_START:index.html]```html\n" +
	"[MULTI_FILE_CONTENT:index.html]<html>\n" +
	"[MULTI_FILE_CONTENT:index.html]<link href=\"css/style.css\">\n" +
	"[MULTI_FILE_CONTENT:index.html]</html>\n```[MULTI_FILE_END:index.html]\n\n" +
	"接下来是样式。\n" +
	"[MULTI_FILE_START:css/style.css]```css\n" +
	"[MULTI_FILE_CONTENT:css/style.css]body { margin: 0; }\n```[MULTI_FILE_END:css/style.css]\n" +
	"完成。"

func htmlStream(body string) string {
	return "页面如下：\n[CODE_BLOCK_START]```html\n[CODE_STREAM]<html><body>" + body +
		"</body></html>\n```[CODE_BLOCK_END]\n\n实现的功能：\n- " + body
}

// fakeStreamer replays events from feed. When feed is closed it returns end.
type fakeStreamer struct {
	feed chan transport.StreamEvent
	end  error

	mu    sync.Mutex
	reqs  []transport.GenerateRequest
	stops []string
}

func scripted(end error, events ...transport.StreamEvent) *fakeStreamer {
	f := &fakeStreamer{feed: make(chan transport.StreamEvent, len(events)), end: end}
	for _, ev := range events {
		f.feed <- ev
	}
	close(f.feed)
	return f
}

func live() *fakeStreamer {
	return &fakeStreamer{feed: make(chan transport.StreamEvent, 16)}
}

func (f *fakeStreamer) Generate(ctx context.Context, r transport.GenerateRequest, cb transport.StreamCallback) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, r)
	f.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-f.feed:
			if !ok {
				return f.end
			}
			cb(ev)
			if ev.Type == transport.EventDone || ev.Type == transport.EventInterrupted {
				return nil
			}
		}
	}
}

func (f *fakeStreamer) Stop(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, runID)
	return nil
}

func (f *fakeStreamer) stopCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

func open() transport.StreamEvent { return transport.StreamEvent{Type: transport.EventOpen} }
func done() transport.StreamEvent { return transport.StreamEvent{Type: transport.EventDone} }

func msg(chunk string) transport.StreamEvent {
	data, _ := json.Marshal(map[string]string{"d": chunk})
	return transport.StreamEvent{Type: transport.EventMessage, Data: string(data)}
}

// chunked delivers text in pieces of n runes.
func chunked(text string, n int) []transport.StreamEvent {
	var out []transport.StreamEvent
	runes := []rune(text)
	for i := 0; i < len(runes); i += n {
		end := min(i+n, len(runes))
		out = append(out, msg(string(runes[i:end])))
	}
	return out
}

type recordingObserver struct {
	mu        sync.Mutex
	states    []State
	displays  []string
	snapshots [][]files.GeneratedFile
	finals    []bool
	previews  []*preview.Handle
	notices   []string
}

func (r *recordingObserver) StateChanged(_ *Session, st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *recordingObserver) DisplayChanged(_ *Session, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.displays = append(r.displays, text)
}

func (r *recordingObserver) FilesChanged(_ *Session, snapshot []files.GeneratedFile, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snapshot)
	r.finals = append(r.finals, final)
}

func (r *recordingObserver) PreviewReady(_ *Session, h *preview.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previews = append(r.previews, h)
}

func (r *recordingObserver) Notice(_ *Session, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, msg)
}

func newTestController(t *testing.T, s Streamer, obs Observer, interval time.Duration) *Controller {
	t.Helper()
	n := 0
	c := NewController(Options{
		Streamer:          s,
		Materializer:      preview.NewMaterializer(t.TempDir()),
		Observer:          obs,
		LiveParseInterval: interval,
		NewRunID: func() string {
			n++
			return fmt.Sprintf("run-%d", n)
		},
	})
	t.Cleanup(c.Cleanup)
	return c
}

func runToEnd(t *testing.T, c *Controller, req Request) *Session {
	t.Helper()
	s, err := c.Start(context.Background(), req)
	require.NoError(t, err)
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	return s
}

func TestController_Completed(t *testing.T) {
	events := append([]transport.StreamEvent{open(), msg(""), {Type: transport.EventMessage, Data: `{"d":`}}, chunked(multiFileStream, 7)...)
	events = append(events, done())
	streamer := scripted(nil, events...)
	obs := &recordingObserver{}
	c := newTestController(t, streamer, obs, -1)

	s := runToEnd(t, c, Request{Target: "42", Message: "做一个网页", Mode: genmode.MultiFile, ModelKey: "fast"})

	assert.Equal(t, Completed, s.State())
	assert.NoError(t, s.Err())
	assert.Equal(t, []State{Connecting, Streaming, Finalizing, Completed}, obs.states)

	got, final := s.Files()
	assert.True(t, final)
	require.Len(t, got, 2)
	assert.Equal(t, "index.html", got[0].Name)
	assert.Equal(t, "css/style.css", got[1].Name)

	assert.Equal(t, "好的，我来生成页面。\n\n接下来是样式。\n\n完成。", s.Display())
	assert.Equal(t, s.Display(), obs.displays[len(obs.displays)-1])
	assert.Equal(t, []bool{true}, obs.finals, "no advisory snapshots when live parsing is off")

	require.Len(t, obs.previews, 1)
	assert.Same(t, obs.previews[0], c.Preview())
	_, err := os.Stat(c.Preview().Path)
	assert.NoError(t, err)

	require.NotNil(t, s.Summary())
	assert.Equal(t, "done", s.Summary().Event)
	assert.Equal(t, len(multiFileStream), int(s.Summary().TotalBytes))

	require.Len(t, streamer.reqs, 1)
	assert.Equal(t, transport.GenerateRequest{AppID: "42", Message: "做一个网页", RunID: "run-1", ModelKey: "fast"}, streamer.reqs[0])
}

func TestController_ChunkingDoesNotChangeResult(t *testing.T) {
	for _, mode := range []genmode.Mode{genmode.SingleFile, genmode.MultiFile, genmode.StructuredProject} {
		text := multiFileStream
		if mode == genmode.SingleFile {
			text = htmlStream("你好")
		}
		t.Run(mode.String(), func(t *testing.T) {
			whole := runToEnd(t, newTestController(t, scripted(nil, open(), msg(text), done()), nil, -1),
				Request{Target: "1", Message: "m", Mode: mode})

			perChar := append([]transport.StreamEvent{open()}, chunked(text, 1)...)
			perChar = append(perChar, done())
			split := runToEnd(t, newTestController(t, scripted(nil, perChar...), nil, 0),
				Request{Target: "1", Message: "m", Mode: mode})

			wholeFiles, _ := whole.Files()
			splitFiles, final := split.Files()
			assert.True(t, final)
			assert.NotEmpty(t, wholeFiles)
			assert.Equal(t, wholeFiles, splitFiles)
			assert.Equal(t, whole.Display(), split.Display())
			assert.Equal(t, display.Filter(mode, text), split.Display())
		})
	}
}

func TestController_AdvisorySnapshots(t *testing.T) {
	events := append([]transport.StreamEvent{open()}, chunked(htmlStream("hi"), 5)...)
	events = append(events, done())
	obs := &recordingObserver{}
	c := newTestController(t, scripted(nil, events...), obs, 0)

	runToEnd(t, c, Request{Target: "1", Message: "m", Mode: genmode.SingleFile})

	require.GreaterOrEqual(t, len(obs.finals), 2)
	assert.False(t, obs.finals[0], "live snapshot comes first")
	assert.True(t, obs.finals[len(obs.finals)-1])
	assert.Len(t, obs.previews, 1, "an unchanged document is not materialized twice")
}

func TestController_Interrupted(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestController(t, scripted(nil, open(), msg("[MULTI_FILE_START:a.js]let"), transport.StreamEvent{Type: transport.EventInterrupted}), obs, -1)

	s := runToEnd(t, c, Request{Target: "1", Message: "m", Mode: genmode.MultiFile})

	assert.Equal(t, Interrupted, s.State())
	assert.ErrorIs(t, s.Err(), ErrInterrupted)
	assert.Equal(t, "[MULTI_FILE_START:a.js]let", s.Buffer(), "buffer kept for retry")
	got, final := s.Files()
	assert.Empty(t, got)
	assert.False(t, final)
	assert.Equal(t, []string{NoticeInterrupted}, obs.notices)
	assert.Equal(t, "interrupted", s.Summary().Event)
}

func TestController_TransportFailure(t *testing.T) {
	tests := []struct {
		name string
		end  error
	}{
		{"stream error", fmt.Errorf("%w: connection reset", transport.ErrStreamError)},
		{"request failed", fmt.Errorf("%w: 502", transport.ErrRequestFailed)},
		{"closed without terminal event", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			c := newTestController(t, scripted(tt.end, open(), msg("partial")), obs, -1)

			s := runToEnd(t, c, Request{Target: "1", Message: "m", Mode: genmode.MultiFile})

			assert.Equal(t, Failed, s.State())
			assert.ErrorIs(t, s.Err(), ErrTransport)
			if tt.end != nil {
				assert.True(t, errors.Is(s.Err(), tt.end))
			}
			assert.Empty(t, s.Buffer(), "buffer discarded")
			require.Len(t, obs.notices, 1)
			assert.Contains(t, obs.notices[0], "Generation failed")
			assert.False(t, c.Generating())
		})
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	streamer := live()
	obs := &recordingObserver{}
	c := newTestController(t, streamer, obs, -1)

	streamer.feed <- open()
	streamer.feed <- msg("partial")
	s, err := c.Start(context.Background(), Request{Target: "1", Message: "m", Mode: genmode.MultiFile})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Buffer() == "partial" }, 5*time.Second, 5*time.Millisecond)

	assert.True(t, c.Stop())
	assert.False(t, c.Stop())
	s.Wait()

	assert.Equal(t, Cancelled, s.State())
	assert.NoError(t, s.Err(), "cancellation is not an error")
	assert.Equal(t, []string{"run-1"}, streamer.stopCalls())
	assert.Equal(t, []string{NoticeStopped}, obs.notices)

	// Late chunks must not touch a cancelled session.
	c.handle(s, msg(" more"))
	c.handle(s, done())
	assert.Equal(t, "partial", s.Buffer())
	assert.Equal(t, Cancelled, s.State())
}

func TestController_StopAfterCompletion(t *testing.T) {
	streamer := scripted(nil, open(), msg(htmlStream("x")), done())
	c := newTestController(t, streamer, nil, -1)
	s := runToEnd(t, c, Request{Target: "1", Message: "m", Mode: genmode.SingleFile})

	before, _ := s.Files()
	h := c.Preview()
	require.NotNil(t, h)

	assert.False(t, c.Stop())
	assert.False(t, c.Stop())

	after, final := s.Files()
	assert.Equal(t, before, after)
	assert.True(t, final)
	assert.Equal(t, Completed, s.State())
	assert.Same(t, h, c.Preview())
	assert.False(t, h.Released())
	assert.Empty(t, streamer.stopCalls())
}

func TestController_StopWithoutSession(t *testing.T) {
	c := newTestController(t, live(), nil, -1)
	assert.False(t, c.Stop())
	c.Wait()
}

func TestController_Busy(t *testing.T) {
	c := newTestController(t, live(), nil, -1)
	_, err := c.Start(context.Background(), Request{Target: "1", Message: "m"})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), Request{Target: "1", Message: "again"})
	assert.ErrorIs(t, err, ErrBusy)

	_, err = c.Start(context.Background(), Request{Target: "1", Message: " "})
	assert.Error(t, err)
}

func TestController_PreviewSwap(t *testing.T) {
	streamer := live()
	c := newTestController(t, streamer, nil, -1)

	streamer.feed <- open()
	streamer.feed <- msg(htmlStream("one"))
	streamer.feed <- done()
	first := runToEnd(t, c, Request{Target: "1", Message: "m", Mode: genmode.SingleFile})
	firstPreview := first.Preview()
	require.NotNil(t, firstPreview)

	streamer.feed <- open()
	streamer.feed <- msg(htmlStream("two"))
	streamer.feed <- done()
	second := runToEnd(t, c, Request{Target: "1", Message: "m", Mode: genmode.SingleFile})

	assert.NotSame(t, firstPreview, second.Preview())
	assert.True(t, firstPreview.Released(), "superseded preview is released")
	assert.False(t, second.Preview().Released())
	assert.Same(t, second.Preview(), c.Preview())

	c.Cleanup()
	assert.True(t, second.Preview().Released())
	assert.Nil(t, c.Preview())
}

func TestController_PreviewErrorKeepsLast(t *testing.T) {
	streamer := live()
	obs := &recordingObserver{}
	c := newTestController(t, streamer, obs, -1)

	streamer.feed <- msg(htmlStream("good"))
	streamer.feed <- done()
	runToEnd(t, c, Request{Target: "1", Message: "m", Mode: genmode.SingleFile})
	good := c.Preview()
	require.NotNil(t, good)

	// The escaping path makes the multi-file preview export fail.
	streamer.feed <- msg("[MULTI_FILE_START:index.html]<html>bad</html>[MULTI_FILE_END:index.html]" +
		"[MULTI_FILE_START:../escape.js]x[MULTI_FILE_END:../escape.js]")
	streamer.feed <- done()
	s := runToEnd(t, c, Request{Target: "1", Message: "m", Mode: genmode.MultiFile})

	assert.Equal(t, Completed, s.State())
	assert.Nil(t, s.Preview())
	assert.Same(t, good, c.Preview())
	assert.False(t, good.Released())
	assert.Len(t, obs.previews, 1)
}

func TestController_CommentaryOnly(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestController(t, scripted(nil, open(), msg("只是回答问题，没有代码。"), done()), obs, -1)

	s := runToEnd(t, c, Request{Target: "1", Message: "m", Mode: genmode.MultiFile})

	assert.Equal(t, Completed, s.State())
	got, final := s.Files()
	assert.Empty(t, got)
	assert.True(t, final)
	assert.Nil(t, c.Preview())
	assert.Empty(t, obs.notices)
	assert.Equal(t, "只是回答问题，没有代码。", s.Display())
}

func TestController_ParentContextCancelled(t *testing.T) {
	c := newTestController(t, live(), nil, -1)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.Start(ctx, Request{Target: "1", Message: "m"})
	require.NoError(t, err)

	cancel()
	s.Wait()
	assert.Equal(t, Cancelled, s.State())
}

func TestController_ActiveFile(t *testing.T) {
	streamer := live()
	c := newTestController(t, streamer, nil, 0)
	s, err := c.Start(context.Background(), Request{Target: "1", Message: "m", Mode: genmode.MultiFile})
	require.NoError(t, err)
	assert.Empty(t, s.ActiveFileID())

	split := strings.Index(multiFileStream, "接下来")
	streamer.feed <- open()
	streamer.feed <- msg(multiFileStream[:split])
	require.Eventually(t, func() bool { return s.ActiveFileID() == "file-0" }, 5*time.Second, time.Millisecond,
		"the first file takes focus")
	assert.False(t, s.SetActiveFile("file-1"), "unknown ids are rejected")

	streamer.feed <- msg(multiFileStream[split:])
	require.Eventually(t, func() bool {
		got, _ := s.Files()
		return len(got) == 2
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, "file-0", s.ActiveFileID(), "focus stays while the file exists")
	require.True(t, s.SetActiveFile("file-1"))

	streamer.feed <- msg("\n补充说明")
	streamer.feed <- done()
	s.Wait()
	assert.Equal(t, "file-0", s.ActiveFileID(), "the final parse moves focus to the first file")
	assert.Equal(t, "file-0", s.Status().Active)
}

func TestSession_SetFiles(t *testing.T) {
	s := &Session{}
	two := []files.GeneratedFile{{ID: "file-0"}, {ID: "file-1"}}

	s.setFiles(two, false)
	assert.Equal(t, "file-0", s.activeFile)
	s.activeFile = "file-1"
	s.setFiles(two[:1], false)
	assert.Equal(t, "file-0", s.activeFile, "focus moves when its file disappears")
	s.setFiles(nil, true)
	assert.Empty(t, s.activeFile)
	assert.True(t, s.final)
}

func TestSessionStatus(t *testing.T) {
	c := newTestController(t, scripted(nil, open(), msg(htmlStream("x")), done()), nil, -1)
	s := runToEnd(t, c, Request{Target: "7", Message: "m", Mode: genmode.SingleFile})

	st := s.Status()
	assert.Equal(t, "run-1", st.RunID)
	assert.Equal(t, "7", st.Target)
	assert.Equal(t, "html", st.Mode)
	assert.Equal(t, "completed", st.State)
	assert.Equal(t, 1, st.Files)
	assert.True(t, st.Final)
	assert.Equal(t, files.SingleFileID, st.Active)
	assert.NotEmpty(t, st.Preview)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, Cancelled.Terminal())
	assert.False(t, Finalizing.Terminal())
	assert.True(t, Finalizing.Active())
	assert.False(t, Idle.Active())
}
