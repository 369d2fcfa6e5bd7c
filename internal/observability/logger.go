package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"goa.design/clue/log"
	"golang.org/x/term"
)

// NewContext returns ctx carrying a clue logger that writes to w. Terminals
// get the human-readable format, everything else JSON.
func NewContext(ctx context.Context, w io.Writer, debug bool) context.Context {
	format := log.FormatJSON
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		format = log.FormatTerminal
	}
	opts := []log.LogOption{
		log.WithFormat(format),
		log.WithOutput(w),
		log.WithDisableBuffering(func(context.Context) bool { return true }),
	}
	if debug {
		opts = append(opts, log.WithDebug())
	}
	return log.Context(ctx, opts...)
}

// OpenLogFile opens path for appending, creating parent directories. An empty
// path yields a writer that discards everything.
func OpenLogFile(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("observability: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("observability: open log file: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
