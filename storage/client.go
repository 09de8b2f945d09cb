package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is a fixed-interval retry schedule
type RetryPolicy struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`

	// newTimer replaces the wall-clock timer in tests
	newTimer func() backoff.Timer
}

// DefaultRetryPolicy makes 3 attempts, 5 seconds apart
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 5 * time.Second}
}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Do runs op until it succeeds, returns a permanent error, or the attempts
// are exhausted. notify is called before each wait.
func (p RetryPolicy) Do(ctx context.Context, op func() error, notify func(err error, wait time.Duration)) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(p.attempts()-1)),
		ctx,
	)

	var timer backoff.Timer
	if p.newTimer != nil {
		timer = p.newTimer()
	}
	return backoff.RetryNotifyWithTimer(op, b, notify, timer)
}

// Option configures a Client
type Option func(*Client)

// WithRetryPolicy overrides DefaultRetryPolicy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithLogger sets the logger used for retry and degradation messages
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTempDir sets where artifacts are staged before upload
func WithTempDir(dir string) Option {
	return func(c *Client) { c.tempDir = dir }
}

// Client layers retries and folder-level operations over a Remote
type Client struct {
	remote  Remote
	policy  RetryPolicy
	logger  *slog.Logger
	tempDir string
}

// NewClient wraps an already connected Remote
func NewClient(remote Remote, opts ...Option) *Client {
	c := &Client{
		remote: remote,
		policy: DefaultRetryPolicy(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the remote, retrying per the configured policy.
// Exhaustion returns ErrConnect, which is fatal for the current unit of work.
func Connect(ctx context.Context, dial Dialer, opts ...Option) (*Client, error) {
	c := NewClient(nil, opts...)

	err := c.policy.Do(ctx, func() error {
		remote, err := dial(ctx)
		if err != nil {
			return err
		}
		c.remote = remote
		return nil
	}, func(err error, wait time.Duration) {
		c.logger.Warn("storage connect failed, retrying", "error", err, "retry_in", wait)
	})
	if err != nil {
		c.logger.Error("storage connect failed", "attempts", c.policy.attempts(), "error", err)
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnect, c.policy.attempts(), err)
	}
	return c, nil
}

// Close releases the underlying connection
func (c *Client) Close() error {
	if c.remote == nil {
		return nil
	}
	return c.remote.Close()
}

// Exists reports whether path exists. Failures are retried; when retries
// are exhausted the path is reported absent and the error is only logged.
func (c *Client) Exists(ctx context.Context, p string) bool {
	var found bool
	err := c.policy.Do(ctx, func() error {
		ok, err := c.remote.Exists(ctx, p)
		if err != nil {
			return err
		}
		found = ok
		return nil
	}, c.retryNotify("exists", p))
	if err != nil {
		c.logger.Error("existence check failed, treating as absent", "path", p, "error", err)
		return false
	}
	return found
}

// ReadFile reads a whole file with retries. A missing file is not retried.
func (c *Client) ReadFile(ctx context.Context, p string) ([]byte, error) {
	var data []byte
	err := c.policy.Do(ctx, func() error {
		r, err := c.remote.Open(ctx, p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer r.Close()

		data, err = io.ReadAll(r)
		return err
	}, c.retryNotify("read", p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		c.logger.Error("read failed", "path", p, "error", err)
		return nil, fmt.Errorf("%w: reading %s: %w", ErrUnavailable, p, err)
	}
	return data, nil
}

// Put uploads a local file
func (c *Client) Put(ctx context.Context, localPath, remotePath string) error {
	return c.remote.Put(ctx, localPath, remotePath)
}

// PutJSON encodes v into a uniquely named local temp file, uploads it to
// remotePath, and always removes the temp file.
func (c *Client) PutJSON(ctx context.Context, remotePath string, v any) error {
	f, err := os.CreateTemp(c.tempDir, "artifact-*.json")
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", remotePath, err)
	}
	defer os.Remove(f.Name())

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to stage %s: %w", remotePath, err)
	}

	if err := c.remote.Put(ctx, f.Name(), remotePath); err != nil {
		return fmt.Errorf("failed to upload %s: %w", remotePath, err)
	}
	return nil
}

// MoveFolder relocates srcRoot/name to dstRoot/name file by file, then
// removes the emptied source. Re-running after a partial move completes it.
// There is no rollback: the first failure is returned as is.
func (c *Client) MoveFolder(ctx context.Context, srcRoot, dstRoot, name string) error {
	src := path.Join(srcRoot, name)
	dst := path.Join(dstRoot, name)

	if !c.Exists(ctx, dst) {
		if err := c.remote.Mkdir(ctx, dst); err != nil {
			// another mover may have created it in the meantime
			if ok, _ := c.remote.Exists(ctx, dst); !ok {
				return fmt.Errorf("move %s: creating %s: %w", name, dst, err)
			}
		}
	}

	entries, err := c.remote.List(ctx, src)
	if err != nil {
		return fmt.Errorf("move %s: listing %s: %w", name, src, err)
	}

	moved := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := c.remote.Rename(ctx, path.Join(src, e.Name), path.Join(dst, e.Name)); err != nil {
			return fmt.Errorf("move %s: renaming %s: %w", name, e.Name, err)
		}
		moved = append(moved, e.Name)
	}

	landed, err := c.remote.List(ctx, dst)
	if err != nil {
		return fmt.Errorf("move %s: verifying %s: %w", name, dst, err)
	}
	present := make(map[string]bool, len(landed))
	for _, e := range landed {
		present[e.Name] = true
	}
	for _, n := range moved {
		if !present[n] {
			return fmt.Errorf("move %s: %s missing at destination", name, n)
		}
	}

	if err := c.remote.Rmdir(ctx, src); err != nil {
		return fmt.Errorf("move %s: removing %s: %w", name, src, err)
	}

	c.logger.Info("folder moved", "transaction_id", name, "from", srcRoot, "to", dstRoot, "files", len(moved))
	return nil
}

// FolderExists reports whether dir has a child called name
func (c *Client) FolderExists(ctx context.Context, dir, name string) (bool, error) {
	entries, err := c.remote.List(ctx, dir)
	if err != nil {
		return false, fmt.Errorf("listing %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// ListDirs returns the names of the subdirectories of dir
func (c *Client) ListDirs(ctx context.Context, dir string) ([]string, error) {
	entries, err := c.remote.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

// EnsureDirs creates each missing directory
func (c *Client) EnsureDirs(ctx context.Context, dirs ...string) error {
	for _, dir := range dirs {
		if c.Exists(ctx, dir) {
			continue
		}
		if err := c.remote.Mkdir(ctx, dir); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

func (c *Client) retryNotify(op, p string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		c.logger.Warn("storage operation failed, retrying", "op", op, "path", p, "error", err, "retry_in", wait)
	}
}
