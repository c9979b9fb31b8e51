package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var ErrTooLarge = errors.New("upload exceeds size limit")

// Local stores uploaded recordings under a single directory.
type Local struct {
	dir      string
	maxBytes int64
	log      *slog.Logger
}

func NewLocal(dir string, maxBytes int64, log *slog.Logger) (*Local, error) {
	if dir == "" {
		return nil, errors.New("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{dir: dir, maxBytes: maxBytes, log: log.With(slog.String("component", "storage"))}, nil
}

func (l *Local) Dir() string { return l.dir }

// PathFor returns the storage path for a session recording. The extension is
// taken from the original filename and defaults to .webm.
func (l *Local) PathFor(sessionID, filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if ext == "" || len(ext) > 8 {
		ext = ".webm"
	}
	return filepath.Join(l.dir, filepath.Base(sessionID)+ext)
}

// Write streams r into path through a temporary file and renames it into
// place, so readers never observe a partial recording.
func (l *Local) Write(r io.Reader, path string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	src := r
	if l.maxBytes > 0 {
		src = io.LimitReader(r, l.maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if err != nil {
		cleanup()
		return 0, err
	}
	if l.maxBytes > 0 && n > l.maxBytes {
		cleanup()
		return 0, fmt.Errorf("%d bytes: %w", n, ErrTooLarge)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	l.log.Debug("recording stored", slog.String("path", path), slog.Int64("bytes", n))
	return n, nil
}

func (l *Local) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Delete removes path. A missing file is not an error.
func (l *Local) Delete(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (l *Local) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
