package storage

import (
	"context"
	"fmt"
)

// Backend names a storage implementation
type Backend string

const (
	BackendLocal Backend = "local"
	BackendSFTP  Backend = "sftp"
	BackendS3    Backend = "s3"
)

// Config selects and configures a backend
type Config struct {
	Backend Backend    `yaml:"backend"`
	Root    string     `yaml:"root"` // local backend only
	SFTP    SFTPConfig `yaml:"sftp"`
	S3      S3Config   `yaml:"s3"`
}

// Open returns a Dialer for the configured backend.
// SFTP opens a fresh session per dial; local and S3 share one handle.
func Open(ctx context.Context, cfg Config) (Dialer, error) {
	switch cfg.Backend {
	case BackendLocal, "":
		root := cfg.Root
		if root == "" {
			root = "data"
		}
		local, err := NewLocal(root)
		if err != nil {
			return nil, err
		}
		return func(context.Context) (Remote, error) { return local, nil }, nil

	case BackendSFTP:
		if cfg.SFTP.Host == "" {
			return nil, fmt.Errorf("sftp host is required for %s storage", BackendSFTP)
		}
		sftpCfg := cfg.SFTP
		return func(ctx context.Context) (Remote, error) { return DialSFTP(ctx, sftpCfg) }, nil

	case BackendS3:
		store, err := NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return func(context.Context) (Remote, error) { return store, nil }, nil

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
