// Package storage provides access to the remote folder hierarchy that holds
// transactions, and a retrying client that the pipeline uses on top of it.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrUnavailable is returned when a remote read keeps failing after all retries
	ErrUnavailable = errors.New("remote storage unavailable")
	// ErrConnect is returned when a connection cannot be established after all retries.
	// Callers treat it as fatal for the current request or poll cycle.
	ErrConnect = errors.New("failed to connect to remote storage")
	// ErrNotEmpty is returned by Rmdir when the directory still has children
	ErrNotEmpty = errors.New("directory not empty")
)

// Entry is one child of a listed directory
type Entry struct {
	Name  string
	IsDir bool
}

// Remote is the primitive contract of the remote storage service.
// Paths use forward slashes and are relative to the backend root.
type Remote interface {
	// List returns the direct children of dir
	List(ctx context.Context, dir string) ([]Entry, error)

	// Exists reports whether a file or directory exists at path
	Exists(ctx context.Context, path string) (bool, error)

	// Open opens a file for reading
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Put transfers a whole local file to remotePath, overwriting it
	Put(ctx context.Context, localPath, remotePath string) error

	// Mkdir creates a single directory; the parent must exist
	Mkdir(ctx context.Context, path string) error

	// Rename moves one file
	Rename(ctx context.Context, src, dst string) error

	// Rmdir removes an empty directory
	Rmdir(ctx context.Context, path string) error

	// Close releases the connection
	Close() error
}

// Dialer opens a new connection to a Remote
type Dialer func(ctx context.Context) (Remote, error)
