package main

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/youruser/livegen/internal/config"
	"github.com/youruser/livegen/internal/display"
	"github.com/youruser/livegen/internal/files"
	"github.com/youruser/livegen/internal/genmode"
	"github.com/youruser/livegen/internal/history"
	"github.com/youruser/livegen/internal/logging"
	"github.com/youruser/livegen/internal/preview"
	"github.com/youruser/livegen/internal/session"
	"github.com/youruser/livegen/internal/transcript"
	"github.com/youruser/livegen/internal/transport"
	"github.com/youruser/livegen/internal/workspace"
)

//go:embed version.txt
var version string

// buildCommit is set via -ldflags or falls back to VCS info from debug.ReadBuildInfo.
var buildCommit string

// transcriptMaxPages bounds how far back a transcript walks the history.
const transcriptMaxPages = 50

var (
	appConfig *config.Config
	client    *transport.Client
	registry  *session.Registry
	log       = logging.Get()

	// out receives every response and notification line.
	out       io.Writer = os.Stdout
	respondMu sync.Mutex
	configMu  sync.Mutex

	// attached holds the targets this process holds a registry reference for.
	attachedMu sync.Mutex
	attached   = map[string]bool{}
)

func getBuildCommit() string {
	if buildCommit != "" {
		return buildCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return ""
}

func versionString() string {
	v := strings.TrimSpace(version)
	if commit := getBuildCommit(); commit != "" {
		return v + " (" + commit + ")"
	}
	return v
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Printf("livegen %s\n", versionString())
			return
		case "--build":
			if commit := getBuildCommit(); commit != "" {
				fmt.Println(commit)
			} else {
				fmt.Println("unknown")
			}
			return
		}
	}

	defer shutdown()

	if os.Getenv("LIVEGEN_DEBUG") == "1" {
		fmt.Fprintf(os.Stderr, "livegen: process started with LIVEGEN_DEBUG=1\n")
	}
	logBuildInfo()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		handleRequest(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			respond("", map[string]any{"type": "error", "message": "Request too large (max 4MB)"})
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "stdin error: %v\n", err)
		os.Exit(1)
	}
}

func logBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		log.Info("Build info: unavailable")
		return
	}
	revision := info.Main.Version
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			revision = setting.Value
		}
	}
	log.Info("Build: %s; version=%s; go=%s", revision, strings.TrimSpace(version), runtime.Version())
}

// ensureConfig loads config lazily on first use. A missing config file means defaults.
func ensureConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	if appConfig != nil {
		return nil
	}

	cfg, err := config.Load()
	if errors.Is(err, config.ErrNoConfig) {
		log.Info("No config file, using defaults (backend %s)", config.DefaultBaseURL)
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return err
	}
	setup(cfg)
	return nil
}

// setup wires the backend client and controller registry for cfg.
func setup(cfg *config.Config) {
	appConfig = cfg
	client = transport.NewClient(cfg.BaseURL, cfg.Cookie).WithTimeout(cfg.RequestTimeout())
	materializer := preview.NewMaterializer(cfg.PreviewDir)
	registry = session.NewRegistry(func(target string) *session.Controller {
		return session.NewController(session.Options{
			Streamer:          client,
			Materializer:      materializer,
			Observer:          bridgeObserver{},
			LiveParseInterval: cfg.LiveParseInterval(),
		})
	})
}

func shutdown() {
	configMu.Lock()
	defer configMu.Unlock()
	if registry != nil {
		registry.Close()
	}
	log.Close()
}

// actionNeedsBackend reports whether action requires config and the registry.
func actionNeedsBackend(action string) bool {
	switch action {
	case "generate",
		"cancel",
		"status",
		"files",
		"focus",
		"history",
		"export",
		"transcript",
		"attach",
		"detach":
		return true
	default:
		return false
	}
}

func handleRequest(line string) {
	var req map[string]any
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		log.Error("Invalid JSON request: %s", line)
		respond("", map[string]any{"type": "error", "message": "Invalid JSON"})
		return
	}

	action, _ := req["action"].(string)
	reqID := requestID(req)
	fields := logging.Fields{RequestID: reqID}
	fields.Target, _ = req["target"].(string)
	log.Request(action, fields, line)

	if actionNeedsBackend(action) {
		if err := ensureConfig(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
	}

	switch action {
	case "ping":
		respond(reqID, map[string]any{"type": "ok"})

	case "version":
		respond(reqID, map[string]any{"type": "version", "version": versionString()})

	case "generate":
		handleGenerate(reqID, req)

	case "cancel":
		target, ok := requireString(reqID, req, "target")
		if !ok {
			return
		}
		ctrl, found := registry.Get(target)
		if !found || !ctrl.Generating() {
			respond(reqID, map[string]any{"type": "error", "message": "No active generation to cancel"})
			return
		}
		// Stop waits for the backend acknowledgement; keep reading stdin meanwhile.
		go func() {
			if !ctrl.Stop() {
				respond(reqID, map[string]any{"type": "error", "message": "No active generation to cancel"})
				return
			}
			respond(reqID, map[string]any{"type": "ok"})
		}()

	case "status":
		handleStatus(reqID, req)

	case "files":
		handleFiles(reqID, req)

	case "focus":
		handleFocus(reqID, req)

	case "filter":
		content, _ := req["content"].(string)
		mode, err := modeFrom(req)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		text := display.Filter(mode, content)
		stats := display.CountActions(text)
		respond(reqID, map[string]any{
			"type":    "filtered",
			"text":    text,
			"stats":   stats,
			"summary": stats.String(),
		})

	case "reconstruct":
		content, _ := req["content"].(string)
		mode, err := modeFrom(req)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		res := files.ReconstructMode(mode, content)
		resp := map[string]any{
			"type":    "files",
			"dialect": string(res.Dialect),
			"files":   fileList(res.Files),
			"summary": summarizeFiles(res.Files),
		}
		if src := files.PreviewSource(res); src != nil {
			resp["preview_source"] = src.Path
		}
		respond(reqID, resp)

	case "history":
		go handleHistory(reqID, req)

	case "export":
		handleExport(reqID, req)

	case "transcript":
		go handleTranscript(reqID, req)

	case "attach":
		target, ok := requireString(reqID, req, "target")
		if !ok {
			return
		}
		ctrl := attach(target)
		resp := map[string]any{"type": "attached", "target": target, "generating": ctrl.Generating()}
		if s := ctrl.Current(); s != nil {
			resp["status"] = s.Status()
			resp["display"] = s.Display()
		}
		respond(reqID, resp)

	case "detach":
		target, ok := requireString(reqID, req, "target")
		if !ok {
			return
		}
		if !detach(target) {
			respond(reqID, map[string]any{"type": "error", "message": "Not attached: " + target})
			return
		}
		respond(reqID, map[string]any{"type": "ok"})

	case "shutdown":
		shutdown()
		os.Exit(0)

	default:
		respond(reqID, map[string]any{"type": "error", "message": "Unknown action: " + action})
	}
}

// attach takes the process's reference on target, once.
func attach(target string) *session.Controller {
	attachedMu.Lock()
	defer attachedMu.Unlock()
	if attached[target] {
		ctrl, _ := registry.Get(target)
		return ctrl
	}
	attached[target] = true
	return registry.Acquire(target)
}

func detach(target string) bool {
	attachedMu.Lock()
	defer attachedMu.Unlock()
	if !attached[target] {
		return false
	}
	delete(attached, target)
	registry.Release(target)
	return true
}

func handleGenerate(reqID string, req map[string]any) {
	target, ok := requireString(reqID, req, "target")
	if !ok {
		return
	}
	message, ok := requireString(reqID, req, "message")
	if !ok {
		return
	}
	mode, err := modeFrom(req)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	modelKey, _ := req["model_key"].(string)
	if modelKey == "" {
		modelKey = appConfig.ModelKey
	}

	ctrl := attach(target)
	s, err := ctrl.Start(context.Background(), session.Request{
		Target:   target,
		Message:  message,
		Mode:     mode,
		ModelKey: modelKey,
	})
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{"type": "started", "target": target, "run_id": s.RunID, "mode": mode.String()})
}

func handleStatus(reqID string, req map[string]any) {
	target, ok := requireString(reqID, req, "target")
	if !ok {
		return
	}
	resp := map[string]any{
		"type":       "status",
		"target":     target,
		"generating": registry.IsGenerating(target),
		"refs":       registry.Refs(target),
	}
	if ctrl, found := registry.Get(target); found {
		if s := ctrl.Current(); s != nil {
			resp["session"] = s.Status()
			if sum := s.Summary(); sum != nil {
				resp["metrics"] = sum
			}
		}
	}
	respond(reqID, resp)
}

// currentSession returns the latest session of target.
func currentSession(target string) (*session.Session, error) {
	ctrl, found := registry.Get(target)
	if !found || ctrl.Current() == nil {
		return nil, fmt.Errorf("no generation for %s", target)
	}
	return ctrl.Current(), nil
}

// currentFiles returns the latest file snapshot for target.
func currentFiles(target string) ([]files.GeneratedFile, bool, error) {
	s, err := currentSession(target)
	if err != nil {
		return nil, false, err
	}
	set, final := s.Files()
	return set, final, nil
}

func handleFiles(reqID string, req map[string]any) {
	target, ok := requireString(reqID, req, "target")
	if !ok {
		return
	}
	s, err := currentSession(target)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	set, final := s.Files()
	respond(reqID, map[string]any{
		"type":        "files",
		"target":      target,
		"final":       final,
		"active_file": s.ActiveFileID(),
		"files":       fileList(set),
		"summary":     summarizeFiles(set),
	})
}

func handleFocus(reqID string, req map[string]any) {
	target, ok := requireString(reqID, req, "target")
	if !ok {
		return
	}
	id, ok := requireString(reqID, req, "file_id")
	if !ok {
		return
	}
	s, err := currentSession(target)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	if !s.SetActiveFile(id) {
		respond(reqID, map[string]any{"type": "error", "message": "Unknown file: " + id})
		return
	}
	respond(reqID, map[string]any{"type": "ok", "active_file": id})
}

func handleExport(reqID string, req map[string]any) {
	target, ok := requireString(reqID, req, "target")
	if !ok {
		return
	}
	dir, _ := req["dir"].(string)
	if dir == "" {
		dir = *appConfig.ExportDir
	}
	if dir == "" {
		respond(reqID, map[string]any{"type": "error", "message": "Missing required field: dir"})
		return
	}
	set, final, err := currentFiles(target)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	if !final {
		respond(reqID, map[string]any{"type": "error", "message": "Generation has not completed"})
		return
	}
	written, err := workspace.Export(dir, set)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	// The directory may hold files from earlier exports; report everything now in it.
	listing, err := workspace.List(dir)
	if err != nil {
		log.Error("Failed to list %s: %v", dir, err)
	}
	respond(reqID, map[string]any{"type": "exported", "dir": dir, "paths": written, "contents": listing})
}

func handleHistory(reqID string, req map[string]any) {
	target, ok := requireString(reqID, req, "target")
	if !ok {
		return
	}
	mode, err := modeFrom(req)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	cursor, _ := req["cursor"].(string)

	loader := history.NewLoader(client, *appConfig.HistoryPageSize)
	page, err := loader.List(context.Background(), target, mode, cursor)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{
		"type":     "history",
		"target":   target,
		"turns":    page.Turns,
		"cursor":   page.Cursor,
		"has_more": page.HasMore,
	})
}

func handleTranscript(reqID string, req map[string]any) {
	target, ok := requireString(reqID, req, "target")
	if !ok {
		return
	}
	path, ok := requireString(reqID, req, "path")
	if !ok {
		return
	}
	mode, err := modeFrom(req)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	turns, err := loadAllTurns(context.Background(), history.NewLoader(client, *appConfig.HistoryPageSize), target, mode)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	doc := transcript.Document{
		Title:   "App " + target,
		Turns:   turns,
		Created: time.Now(),
	}
	if err := transcript.WriteFile(path, doc); err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{"type": "transcript", "path": path, "turns": len(turns)})
}

// loadAllTurns walks history pages back to the first turn, oldest first.
func loadAllTurns(ctx context.Context, loader *history.Loader, target string, mode genmode.Mode) ([]history.Turn, error) {
	var turns []history.Turn
	cursor := ""
	for i := 0; i < transcriptMaxPages; i++ {
		page, err := loader.List(ctx, target, mode, cursor)
		if err != nil {
			return nil, err
		}
		turns = append(page.Turns, turns...)
		if !page.HasMore || page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	return turns, nil
}

func modeFrom(req map[string]any) (genmode.Mode, error) {
	name, _ := req["mode"].(string)
	if name == "" {
		if appConfig != nil {
			return appConfig.Mode(), nil
		}
		return genmode.MultiFile, nil
	}
	return genmode.Parse(name)
}

func requireString(reqID string, req map[string]any, field string) (string, bool) {
	v, _ := req[field].(string)
	if strings.TrimSpace(v) == "" {
		respond(reqID, map[string]any{"type": "error", "message": "Missing required field: " + field})
		return "", false
	}
	return v, true
}

func errorResponse(err error) map[string]any {
	var msg string
	switch {
	case errors.Is(err, session.ErrBusy):
		msg = "A generation is already running for this app"
	case errors.Is(err, transport.ErrRequestFailed):
		msg = "Backend request failed: " + err.Error()
	case errors.Is(err, genmode.ErrUnknownMode):
		msg = err.Error()
	case errors.Is(err, workspace.ErrPathEscape), errors.Is(err, workspace.ErrAbsolutePath):
		msg = "Refusing to write outside the export directory: " + err.Error()
	case errors.Is(err, config.ErrInvalidJSON):
		msg = "Invalid config file: ~/.config/livegen/config.json"
	default:
		msg = err.Error()
	}
	return map[string]any{"type": "error", "message": msg}
}

func respond(reqID string, data map[string]any) {
	line, _ := json.Marshal(addResponseID(reqID, data))
	msgType, _ := data["type"].(string)
	respondMu.Lock()
	defer respondMu.Unlock()
	log.Response(msgType, responseFields(reqID, data), len(line))
	fmt.Fprintln(out, string(line))
}

// responseFields picks the generation identifiers out of an outgoing message.
func responseFields(reqID string, data map[string]any) logging.Fields {
	f := logging.Fields{RequestID: reqID}
	f.Target, _ = data["target"].(string)
	f.RunID, _ = data["run_id"].(string)
	return f
}

func addResponseID(reqID string, data map[string]any) map[string]any {
	if reqID == "" {
		return data
	}
	data["request_id"] = reqID
	return data
}

func requestID(req map[string]any) string {
	switch v := req["request_id"].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}
