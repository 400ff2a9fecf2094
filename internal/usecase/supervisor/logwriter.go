package supervisor

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// appendWriter is the single log writer shared by one launch's stdout and
// stderr drains. The file is opened O_APPEND so concurrent launches of the
// same agent also only ever add to the end.
type appendWriter struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
}

func openAppendWriter(path string) (*appendWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return &appendWriter{f: f}, nil
}

// WriteEntry appends "[<ts>] <prefix><line>\n" as one write.
func (w *appendWriter) WriteEntry(ts time.Time, prefix, line string) {
	entry := "[" + ts.UTC().Format(timestampLayout) + "] " + prefix + line + "\n"

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	_, _ = w.f.WriteString(entry)
}

func (w *appendWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}
