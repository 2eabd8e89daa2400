package genmode

import (
	"errors"
	"strings"
)

// ErrUnknownMode is returned when a mode name is not recognized.
var ErrUnknownMode = errors.New("unknown generation mode")

// Mode selects how the backend frames generated code in the stream.
type Mode int

const (
	// SingleFile frames one implicit HTML document with [CODE_BLOCK_*] markers.
	SingleFile Mode = iota
	// MultiFile frames named files with [MULTI_FILE_*:<name>] markers.
	MultiFile
	// StructuredProject is a framework project written through tool calls.
	StructuredProject
)

// String returns the wire name used by the backend.
func (m Mode) String() string {
	switch m {
	case SingleFile:
		return "html"
	case MultiFile:
		return "multi_file"
	case StructuredProject:
		return "vue_project"
	default:
		return "unknown"
	}
}

// Parse maps a wire name (or a few friendly aliases) to a Mode.
func Parse(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "html", "single", "single_file":
		return SingleFile, nil
	case "multi_file", "multi", "multifile":
		return MultiFile, nil
	case "vue_project", "project", "structured_project":
		return StructuredProject, nil
	}
	return SingleFile, ErrUnknownMode
}
