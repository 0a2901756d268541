package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"velthoric/physsync/internal/config"
)

const backupStamp = "20060102T150405.000000000"

// rotatingFile is an append-only log file that rolls over once it reaches maxBytes. Rolled files
// are renamed with a timestamp suffix, optionally gzipped, and pruned by count and age.
type rotatingFile struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	compress   bool
	now        func() time.Time

	file *os.File
	size int64
}

func openRotating(cfg config.LoggingConfig) (*rotatingFile, error) {
	if cfg.MaxSizeMB <= 0 {
		return nil, fmt.Errorf("logging max size must be positive, got %d", cfg.MaxSizeMB)
	}
	r := &rotatingFile{
		path:       filepath.Clean(cfg.Path),
		maxBytes:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotatingFile) open() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	//1.- A line is never split across files; an oversized line lands alone in a fresh file.
	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rollLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *rotatingFile) rollLocked() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	r.file = nil
	backup := r.backupName(r.now())
	if err := os.Rename(r.path, backup); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}
	if r.compress {
		if err := gzipFile(backup); err != nil {
			return err
		}
	}
	return r.pruneLocked()
}

func (r *rotatingFile) backupName(at time.Time) string {
	ext := filepath.Ext(r.path)
	stem := strings.TrimSuffix(r.path, ext)
	return fmt.Sprintf("%s-%s%s", stem, at.UTC().Format(backupStamp), ext)
}

// backups lists rolled files newest first; the timestamp suffix sorts lexically.
func (r *rotatingFile) backups() ([]string, error) {
	ext := filepath.Ext(r.path)
	stem := strings.TrimSuffix(filepath.Base(r.path), ext)
	entries, err := os.ReadDir(filepath.Dir(r.path))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == filepath.Base(r.path) || !strings.HasPrefix(name, stem+"-") {
			continue
		}
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (r *rotatingFile) pruneLocked() error {
	names, err := r.backups()
	if err != nil {
		return fmt.Errorf("list log backups: %w", err)
	}
	dir := filepath.Dir(r.path)
	cutoff := r.now().Add(-r.maxAge)
	for i, name := range names {
		full := filepath.Join(dir, name)
		expired := false
		if r.maxAge > 0 {
			if info, err := os.Stat(full); err == nil && info.ModTime().Before(cutoff) {
				expired = true
			}
		}
		if (r.maxBackups > 0 && i >= r.maxBackups) || expired {
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove log backup: %w", err)
			}
		}
	}
	return nil
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log backup: %w", err)
	}
	defer src.Close()
	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create compressed backup: %w", err)
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		return fmt.Errorf("compress log backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return fmt.Errorf("compress log backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("compress log backup: %w", err)
	}
	return os.Remove(path)
}
