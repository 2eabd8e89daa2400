// Package metrics records per-run stream timing and throughput.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/youruser/livegen/internal/genmode"
	"github.com/youruser/livegen/internal/logging"
)

var log = logging.Get()

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// Summary is the metrics snapshot logged when a run ends.
type Summary struct {
	Event          string  `json:"event"`
	RunID          string  `json:"run_id"`
	Mode           string  `json:"mode"`
	TTFTOpenMs     int64   `json:"ttft_open_ms"`
	TTFTFirstMsgMs int64   `json:"ttft_first_msg_ms"`
	DurationMs     int64   `json:"duration_ms"`
	TotalBytes     int64   `json:"total_bytes"`
	TotalChunks    int     `json:"total_chunks"`
	AvgBytesPerSec float64 `json:"avg_bytes_per_sec"`
	Tokens         int     `json:"tokens"`
	TokensPerSec   float64 `json:"tokens_per_sec"`
}

// Recorder accumulates timing for one run. All methods are safe for concurrent use.
type Recorder struct {
	RunID string
	Mode  genmode.Mode

	mu       sync.Mutex
	now      Clock
	start    time.Time
	opened   time.Time
	firstMsg time.Time
	bytes    int64
	chunks   int
}

// NewRecorder creates a recorder. A nil clock uses time.Now.
func NewRecorder(runID string, mode genmode.Mode, now Clock) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{RunID: runID, Mode: mode, now: now}
}

// Start marks the moment the request was issued.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = r.now()
}

// Opened marks the stream connection being established.
func (r *Recorder) Opened() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opened.IsZero() {
		r.opened = r.now()
	}
}

// Chunk records one delivered chunk of n bytes.
func (r *Recorder) Chunk(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstMsg.IsZero() {
		r.firstMsg = r.now()
	}
	r.bytes += int64(n)
	r.chunks++
}

// Summary computes the snapshot for event, estimating tokens over text, and logs it. Marks that
// never happened count as now. Rates use at least one second of duration.
func (r *Recorder) Summary(event, text string) Summary {
	r.mu.Lock()
	now := r.now()
	start := r.start
	if start.IsZero() {
		start = now
	}
	opened, firstMsg := r.opened, r.firstMsg
	if opened.IsZero() {
		opened = now
	}
	if firstMsg.IsZero() {
		firstMsg = now
	}
	s := Summary{
		Event:          event,
		RunID:          r.RunID,
		Mode:           r.Mode.String(),
		TTFTOpenMs:     opened.Sub(start).Milliseconds(),
		TTFTFirstMsgMs: firstMsg.Sub(start).Milliseconds(),
		DurationMs:     now.Sub(start).Milliseconds(),
		TotalBytes:     r.bytes,
		TotalChunks:    r.chunks,
	}
	r.mu.Unlock()

	secs := math.Max(1, now.Sub(start).Seconds())
	s.AvgBytesPerSec = round2(float64(s.TotalBytes) / secs)
	s.Tokens = EstimateTokensSimple(text)
	s.TokensPerSec = round2(float64(s.Tokens) / secs)

	log.Info("[SSE-METRICS][%s] run=%s mode=%s ttft_open=%dms ttft_first_msg=%dms duration=%dms bytes=%d chunks=%d avg=%.2fB/s tokens=%d tps=%.2f",
		s.Event, s.RunID, s.Mode, s.TTFTOpenMs, s.TTFTFirstMsgMs, s.DurationMs,
		s.TotalBytes, s.TotalChunks, s.AvgBytesPerSec, s.Tokens, s.TokensPerSec)
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
