package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// File permission constants
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// FileSaver writes workflow output to files. Relative paths are resolved
// against its base directory.
type FileSaver struct {
	fs      afero.Fs
	baseDir string
}

// NewFileSaver creates a FileSaver on fs
func NewFileSaver(fs afero.Fs, baseDir string) *FileSaver {
	return &FileSaver{fs: fs, baseDir: baseDir}
}

// Save writes content to path, creating missing parent directories and
// replacing an existing file. It returns the path written.
func (s *FileSaver) Save(ctx context.Context, path, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if path == "" {
		return "", errors.New("empty destination path")
	}

	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.baseDir, full)
	}

	if err := s.fs.MkdirAll(filepath.Dir(full), DirPermission); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", full, err)
	}
	if err := afero.WriteFile(s.fs, full, []byte(content), FilePermission); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", full, err)
	}
	return full, nil
}
