package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// rollingWriter is an io.Writer that appends to dir/<prefix>-YYYY-MM-DD.log,
// rolling over to a new file at midnight and repointing dir/<prefix>-current
// at the active file, adapted from the original server's
// RollingFileAppender-plus-symlink idiom to zerolog's io.Writer model.
type rollingWriter struct {
	mu       sync.Mutex
	dir      string
	prefix   string
	file     *os.File
	rollover time.Time
}

func newRollingWriter(dir, prefix string) (*rollingWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w := &rollingWriter{dir: dir, prefix: prefix}
	if err := w.openLocked(time.Now()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rollingWriter) openLocked(now time.Time) error {
	name := fmt.Sprintf("%s-%04d-%02d-%02d.log", w.prefix, now.Year(), now.Month(), now.Day())
	path := filepath.Join(w.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if w.file != nil {
		w.file.Close()
	}
	w.file = f

	link := filepath.Join(w.dir, w.prefix+"-current")
	_ = os.Remove(link)
	_ = os.Symlink(name, link)

	y, m, d := now.Date()
	w.rollover = time.Date(y, m, d, 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
	return nil
}

func (w *rollingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if !now.Before(w.rollover) {
		if err := w.openLocked(now); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}
