// Package media manages the temporary files images pass through between the
// platform and the store.
package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const defaultMIME = "image/jpeg"

// Workspace hands out temp paths under one directory and remembers them until
// Cleanup.
type Workspace struct {
	fs     afero.Fs
	dir    string
	logger *zap.Logger
}

func NewWorkspace(fs afero.Fs, dir string, logger *zap.Logger) (*Workspace, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir %s: %w", dir, err)
	}
	return &Workspace{fs: fs, dir: dir, logger: logger}, nil
}

// Session tracks the files created while handling one message.
type Session struct {
	ws    *Workspace
	mu    sync.Mutex
	paths []string
}

func (w *Workspace) NewSession() *Session {
	return &Session{ws: w}
}

// Path returns a fresh file path for kind and schedules it for cleanup.
func (s *Session) Path(kind string) string {
	p := filepath.Join(s.ws.dir, fmt.Sprintf("%s_%s.jpg", kind, uuid.NewString()))
	s.mu.Lock()
	s.paths = append(s.paths, p)
	s.mu.Unlock()
	return p
}

// Paths returns the scheduled paths.
func (s *Session) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// Cleanup removes every scheduled file. Failures are logged and ignored.
func (s *Session) Cleanup() {
	s.ws.Remove(s.Paths())
	s.mu.Lock()
	s.paths = nil
	s.mu.Unlock()
}

// Download creates path, lets fill write into it and reports the path only if
// a non-empty file exists afterwards.
func (w *Workspace) Download(path string, fill func(io.Writer) error) (string, bool) {
	f, err := w.fs.Create(path)
	if err != nil {
		w.logger.Warn("Failed to create media file", zap.String("path", path), zap.Error(err))
		return "", false
	}
	fillErr := fill(f)
	if err := f.Close(); err != nil && fillErr == nil {
		fillErr = err
	}
	if fillErr != nil {
		w.logger.Warn("Failed to download media", zap.String("path", path), zap.Error(fillErr))
		w.Remove([]string{path})
		return "", false
	}
	if !w.Exists(path) {
		return "", false
	}
	return path, true
}

// Exists reports whether path is a regular non-empty file.
func (w *Workspace) Exists(path string) bool {
	info, err := w.fs.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

// EncodeDataURL reads path and returns it as a base64 data URL.
func (w *Workspace) EncodeDataURL(path string) (string, bool) {
	if path == "" || !w.Exists(path) {
		return "", false
	}
	data, err := afero.ReadFile(w.fs, path)
	if err != nil {
		w.logger.Warn("Failed to read media file", zap.String("path", path), zap.Error(err))
		return "", false
	}
	return DataURL(data), true
}

// DataURL encodes data with its sniffed MIME type. Non-image payloads are
// labelled as JPEG, which is what the platform serves for photos.
func DataURL(data []byte) string {
	mime := mimetype.Detect(data).String()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if !strings.HasPrefix(mime, "image/") {
		mime = defaultMIME
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Remove deletes files best-effort.
func (w *Workspace) Remove(paths []string) {
	for _, p := range paths {
		if err := w.fs.Remove(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			w.logger.Warn("Failed to delete local file", zap.String("path", p), zap.Error(err))
		}
	}
}
