package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Rotation defaults.
const (
	DefaultMaxSize         = 10 << 20
	DefaultMaxRotatedFiles = 5
)

var errExporterClosed = errors.New("trace: exporter closed")

// FileExporter appends one JSON object per line to a file. When the next
// record would push the file past maxSize, the file is shifted to path.1
// (path.1 to path.2, and so on, dropping the oldest) before writing.
type FileExporter struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	keep    int
	f       *os.File
	size    int64
	closed  bool
}

// WithMaxSize sets the size in bytes at which the file is rotated.
func WithMaxSize(bytes int64) FileExporterOption {
	return func(fe *FileExporter) {
		if bytes > 0 {
			fe.maxSize = bytes
		}
	}
}

// WithMaxRotatedFiles sets how many rotated files are kept.
func WithMaxRotatedFiles(count int) FileExporterOption {
	return func(fe *FileExporter) {
		if count > 0 {
			fe.keep = count
		}
	}
}

// NewFileExporter opens (or creates) path for appending. An empty path
// yields a NoopExporter so callers can pass configuration straight through.
func NewFileExporter(path string, opts ...FileExporterOption) (Exporter, error) {
	if path == "" {
		return NoopExporter{}, nil
	}
	fe := &FileExporter{path: path, maxSize: DefaultMaxSize, keep: DefaultMaxRotatedFiles}
	for _, opt := range opts {
		opt(fe)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	if err := fe.open(); err != nil {
		return nil, err
	}
	return fe, nil
}

// Path returns the live trace file.
func (fe *FileExporter) Path() string { return fe.path }

func (fe *FileExporter) open() error {
	f, err := os.OpenFile(fe.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat trace file: %w", err)
	}
	fe.f, fe.size = f, info.Size()
	return nil
}

// Export appends record. A record larger than the size limit still goes
// into a file of its own.
func (fe *FileExporter) Export(ctx context.Context, record *TraceRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	line = append(line, '\n')

	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return errExporterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if fe.f == nil {
		// A failed rotation left no file open; retry before giving up.
		if err := fe.open(); err != nil {
			return fmt.Errorf("reopen trace file after failed rotation: %w", err)
		}
	}

	if fe.size > 0 && fe.size+int64(len(line)) > fe.maxSize {
		if err := fe.rotate(); err != nil {
			return fmt.Errorf("rotate trace file: %w", err)
		}
	}

	n, err := fe.f.Write(line)
	fe.size += int64(n)
	if err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	return nil
}

// Close syncs and closes the file. It is safe to call more than once.
func (fe *FileExporter) Close() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return nil
	}
	fe.closed = true
	if fe.f == nil {
		return nil
	}
	return errors.Join(fe.f.Sync(), fe.f.Close())
}

func (fe *FileExporter) rotated(n int) string {
	return fmt.Sprintf("%s.%d", fe.path, n)
}

// rotate must be called with mu held. On failure fe.f is nil and the next
// Export reopens the live file.
func (fe *FileExporter) rotate() error {
	f := fe.f
	fe.f = nil
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Remove(fe.rotated(fe.keep)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for n := fe.keep - 1; n >= 1; n-- {
		if err := os.Rename(fe.rotated(n), fe.rotated(n+1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(fe.path, fe.rotated(1)); err != nil {
		return err
	}
	return fe.open()
}
