package tool

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// tailLines is how many stderr lines an ExitError keeps.
const tailLines = 5

// lineLogger is an io.Writer that logs each complete line at debug level and
// remembers the last few lines.
type lineLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	stream string
	buf    []byte
	tail   []string
}

func newLineLogger(logger *slog.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

// Tail returns the last lines written.
func (w *lineLogger) Tail() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.tail...)
}

func (w *lineLogger) emit(line string) {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	w.logger.Debug(line, "stream", w.stream)
	w.tail = append(w.tail, line)
	if len(w.tail) > tailLines {
		w.tail = w.tail[len(w.tail)-tailLines:]
	}
}
