package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File writes shards as files under a base directory. Keys may contain
// slashes; intermediate directories are created as needed.
type File struct {
	dir string
}

// NewFile prepares the base directory.
func NewFile(dir string) (*File, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("empty output directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &File{dir: dir}, nil
}

// Dir returns the base directory.
func (s *File) Dir() string { return s.dir }

func (s *File) Write(ctx context.Context, req WriteRequest) error {
	path, err := s.pathFor(ctx, req.Key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, req.Data, 0o644); err != nil {
		return fmt.Errorf("write shard %q: %w", req.Key, err)
	}
	return nil
}

func (s *File) WriteStream(ctx context.Context, req StreamWriteRequest) error {
	path, err := s.pathFor(ctx, req.Key)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create shard %q: %w", req.Key, err)
	}
	if err := req.Writer.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write shard %q: %w", req.Key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close shard %q: %w", req.Key, err)
	}
	return nil
}

func (s *File) pathFor(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("empty key")
	}

	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create shard dir for %q: %w", key, err)
	}
	return path, nil
}
