// Package blob persists binary artifacts and hands back stable URLs for
// them. The disk store is the default backend; anything accepting the
// schemas.BlobStore contract can replace it.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DiskStore writes blobs under a base directory, partitioned by date, and
// returns file:// URLs for them.
type DiskStore struct {
	logger  *zap.Logger
	baseDir string
}

func NewDiskStore(logger *zap.Logger, baseDir string) (*DiskStore, error) {
	if baseDir == "" {
		return nil, errors.New("blob store base directory is empty")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory %s: %w", baseDir, err)
	}
	return &DiskStore{
		logger:  logger.Named("blob"),
		baseDir: baseDir,
	}, nil
}

// Upload stores the payload and returns its URL. The hint's base name is
// kept so artifacts stay recognizable on disk; a random prefix keeps tasks
// that reuse the same hint from overwriting each other.
func (s *DiskStore) Upload(ctx context.Context, data []byte, pathHint string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := filepath.Base(pathHint)
	if name == "." || name == string(filepath.Separator) {
		name = "artifact.png"
	}

	dir := filepath.Join(s.baseDir, time.Now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, uuid.NewString()[:8]+"-"+name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve blob path %s: %w", path, err)
	}

	s.logger.Debug("Stored blob", zap.String("path", abs), zap.Int("bytes", len(data)))
	return "file://" + filepath.ToSlash(abs), nil
}
