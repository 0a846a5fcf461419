package hooks

import "context"

// Hook is a handler run when an Event occurs.
type Hook interface {
	Execute(ctx context.Context, event Event) error
	Type() string
	ID() string
}

// Config configures a Manager's execution pool and optional stdio output.
type Config struct {
	Timeout     string
	Concurrency int
	StdioFormat string // "json", "env", or ""
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Timeout: "30s", Concurrency: 10, StdioFormat: ""}
}
