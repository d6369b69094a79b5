package provenance

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Writer appends Fragments to a JSONL file, never rewriting prior lines.
// Safe for concurrent use: the run's worker goroutines call Write directly
// as each specimen's steps complete, and the mutex serializes their appends.
// It also tallies fragments by type so the run controller can fill the
// provenance summary of the run manifest without a second pass over the file.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	total  int
	byType map[string]int
}

// OpenWriter opens (creating or appending to) path for provenance output.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening provenance log %q", path)
	}
	return &Writer{file: f, path: path, byType: make(map[string]int)}, nil
}

// Write appends one fragment as a JSON line.
func (w *Writer) Write(f *Fragment) (string, error) {
	line, err := f.ToJSONL()
	if err != nil {
		return "", errors.Wrap(err, "encoding provenance fragment")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return "", errors.Wrap(err, "appending provenance fragment")
	}
	w.total++
	w.byType[f.FragmentType]++
	return f.ID(), nil
}

// Path returns the file path fragments are appended to.
func (w *Writer) Path() string {
	return w.path
}

// Counts returns the number of fragments written so far, total and by
// FragmentType, for the run manifest's provenance summary.
func (w *Writer) Counts() (int, map[string]int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	byType := make(map[string]int, len(w.byType))
	for k, v := range w.byType {
		byType[k] = v
	}
	return w.total, byType
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	return w.file.Close()
}
