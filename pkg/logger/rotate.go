package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Audit trails must survive process restarts but stay bounded on disk:
// the active file rotates by size into a numbered backup chain, and
// backups beyond the age limit are pruned on every rotation.
const (
	defaultAuditMaxSizeMB  = 100
	defaultAuditMaxBackups = 7
	defaultAuditMaxAgeDays = 30
)

type rotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	size       int64
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("audit log path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultAuditMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultAuditMaxBackups
	}
	if maxAgeDays <= 0 {
		maxAgeDays = defaultAuditMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(); err != nil {
		return 0, err
	}
	if w.size+int64(len(p)) > w.maxSize {
		if err := w.shift(); err != nil {
			return 0, err
		}
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

// open lazily (re)opens the active file and picks up its current size,
// so appends continue correctly across restarts.
func (w *rotatingWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// shift moves the active file to the head of the backup chain,
// renaming path.N to path.N+1 and discarding the oldest backup.
func (w *rotatingWriter) shift() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	for i := w.maxBackups - 1; i >= 1; i-- {
		src := w.backupPath(i)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, w.backupPath(i+1))
		}
	}
	if _, err := os.Stat(w.path); err == nil {
		_ = os.Rename(w.path, w.backupPath(1))
	}

	w.pruneOldBackups()
	return nil
}

func (w *rotatingWriter) pruneOldBackups() {
	cutoff := time.Now().Add(-w.maxAge)
	for i := 1; i <= w.maxBackups; i++ {
		path := w.backupPath(i)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}

func (w *rotatingWriter) backupPath(i int) string {
	return fmt.Sprintf("%s.%d", w.path, i)
}
