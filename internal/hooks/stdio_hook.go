package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// StdioHook outputs event data to stdout/stderr in various formats.
type StdioHook struct {
	id     string
	format string // "json" or "env"
	output *os.File
}

// NewStdioHook creates a stdio hook writing to stderr by default.
func NewStdioHook(id, format string) *StdioHook {
	return &StdioHook{id: id, format: format, output: os.Stderr}
}

// SetOutput overrides the output destination.
func (h *StdioHook) SetOutput(output *os.File) *StdioHook {
	h.output = output
	return h
}

// Execute outputs event in the configured format.
func (h *StdioHook) Execute(ctx context.Context, event Event) error {
	switch h.format {
	case "json":
		return h.outputJSON(event)
	case "env":
		return h.outputEnv(event)
	default:
		return fmt.Errorf("stdio hook %s: unsupported format: %s", h.id, h.format)
	}
}

// Type returns "stdio".
func (h *StdioHook) Type() string { return "stdio" }

// ID returns the hook's configured identifier.
func (h *StdioHook) ID() string { return h.id }

func (h *StdioHook) outputJSON(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("stdio hook %s: marshal json: %w", h.id, err)
	}
	_, err = fmt.Fprintf(h.output, "MOQ_EVENT: %s\n", string(data))
	return err
}

func (h *StdioHook) outputEnv(event Event) error {
	lines := []string{
		"# MoQ Event: " + string(event.Type),
		fmt.Sprintf("MOQ_EVENT_TYPE=%s", event.Type),
		fmt.Sprintf("MOQ_TIMESTAMP=%d", event.Timestamp),
	}
	if event.MediaID != 0 {
		lines = append(lines, fmt.Sprintf("MOQ_MEDIA_ID=%d", event.MediaID))
	}
	if event.URL != "" {
		lines = append(lines, "MOQ_URL="+event.URL)
	}
	for key, value := range event.Data {
		lines = append(lines, "MOQ_"+strings.ToUpper(key)+fmt.Sprintf("=%v", value))
	}
	lines = append(lines, "")

	for _, line := range lines {
		if _, err := fmt.Fprintln(h.output, line); err != nil {
			return fmt.Errorf("stdio hook %s: write env line: %w", h.id, err)
		}
	}
	return nil
}
