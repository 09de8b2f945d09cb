package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"syscall"
)

// Local implements Remote on a directory of the local filesystem.
// It backs development setups and tests; production deployments use SFTP or S3.
type Local struct {
	root string
}

// NewLocal creates a Local backend rooted at root, creating it if needed
func NewLocal(root string) (*Local, error) {
	//nolint:gosec // G301: shared drop directory
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure storage root: %w", err)
	}
	return &Local{root: root}, nil
}

// resolve maps a slash path onto the root without allowing it to escape
func (l *Local) resolve(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(path.Clean("/"+p)))
}

func (l *Local) List(_ context.Context, dir string) ([]Entry, error) {
	items, err := os.ReadDir(l.resolve(dir))
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, Entry{Name: item.Name(), IsDir: item.IsDir()})
	}
	return entries, nil
}

func (l *Local) Exists(_ context.Context, p string) (bool, error) {
	_, err := os.Stat(l.resolve(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (l *Local) Open(_ context.Context, p string) (io.ReadCloser, error) {
	return os.Open(l.resolve(p))
}

func (l *Local) Put(_ context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(l.resolve(remotePath))
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (l *Local) Mkdir(_ context.Context, p string) error {
	//nolint:gosec // G301: shared drop directory
	return os.Mkdir(l.resolve(p), 0755)
}

func (l *Local) Rename(_ context.Context, src, dst string) error {
	return os.Rename(l.resolve(src), l.resolve(dst))
}

func (l *Local) Rmdir(_ context.Context, p string) error {
	err := os.Remove(l.resolve(p))
	if errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("%w: %s", ErrNotEmpty, p)
	}
	return err
}

func (l *Local) Close() error {
	return nil
}
