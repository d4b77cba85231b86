package trace

import (
	"bufio"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/multierr"
)

// fileBufferSize bounds how many encoded bytes wait in memory before a write.
const fileBufferSize = 64 << 10

// FileLogger appends events to a trace file through a write buffer. Error
// events flush the buffer at once so a trace of a failed run ends with its
// cause. It is safe for concurrent use.
type FileLogger struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	enc     *cbor.Encoder
	written int
	dropped int
	closed  bool
}

// NewFileLogger opens path for appending. A new file gets mode 0644.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, fileBufferSize)
	return &FileLogger{f: f, w: w, enc: NewEncoder(w)}, nil
}

func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if err := l.enc.Encode(event); err != nil {
		l.dropped++
		return
	}
	l.written++
	if event.Category == CategoryError && l.w.Flush() != nil {
		l.dropped++
	}
}

// Written returns how many events were encoded.
func (l *FileLogger) Written() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Dropped returns how many events failed to encode or flush.
func (l *FileLogger) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close writes out buffered events and closes the file. Events logged
// afterwards are discarded and a second Close returns nil.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return multierr.Append(l.w.Flush(), l.f.Close())
}

var _ Logger = (*FileLogger)(nil)
