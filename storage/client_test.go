package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTimer fires immediately and remembers every requested wait
type recordingTimer struct {
	mu     *sync.Mutex
	delays *[]time.Duration
	c      chan time.Time
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	*t.delays = append(*t.delays, d)
	t.mu.Unlock()
	t.c <- time.Now()
}

func (t *recordingTimer) Stop() {}

func (t *recordingTimer) C() <-chan time.Time { return t.c }

func testPolicy(delays *[]time.Duration) RetryPolicy {
	mu := &sync.Mutex{}
	p := DefaultRetryPolicy()
	p.newTimer = func() backoff.Timer {
		return &recordingTimer{mu: mu, delays: delays, c: make(chan time.Time, 1)}
	}
	return p
}

var errFlaky = errors.New("connection reset")

// flakyRemote fails the first N calls of selected operations
type flakyRemote struct {
	*Local
	existsFailures int
	openFailures   int
	existsCalls    int
	openCalls      int
}

func (f *flakyRemote) Exists(ctx context.Context, p string) (bool, error) {
	f.existsCalls++
	if f.existsCalls <= f.existsFailures {
		return false, errFlaky
	}
	return f.Local.Exists(ctx, p)
}

func (f *flakyRemote) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	f.openCalls++
	if f.openCalls <= f.openFailures {
		return nil, errFlaky
	}
	return f.Local.Open(ctx, p)
}

func newLocal(t *testing.T) *Local {
	t.Helper()
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return local
}

func writeFile(t *testing.T, local *Local, p, content string) {
	t.Helper()
	full := local.resolve(p)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func TestExistsRetriesThenSucceeds(t *testing.T) {
	local := newLocal(t)
	writeFile(t, local, "queue/a/rules.json", "[]")
	remote := &flakyRemote{Local: local, existsFailures: 2}

	var delays []time.Duration
	c := NewClient(remote, WithRetryPolicy(testPolicy(&delays)))

	assert.True(t, c.Exists(context.Background(), "queue/a/rules.json"))
	assert.Equal(t, 3, remote.existsCalls)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, delays)
}

func TestExistsDegradesToFalse(t *testing.T) {
	local := newLocal(t)
	writeFile(t, local, "queue/a/rules.json", "[]")
	remote := &flakyRemote{Local: local, existsFailures: 10}

	var delays []time.Duration
	c := NewClient(remote, WithRetryPolicy(testPolicy(&delays)))

	assert.False(t, c.Exists(context.Background(), "queue/a/rules.json"))
	assert.Equal(t, 3, remote.existsCalls, "three attempts in total")
	assert.Len(t, delays, 2, "two waits between three attempts")
}

func TestReadFileExhaustionReturnsErrUnavailable(t *testing.T) {
	local := newLocal(t)
	writeFile(t, local, "queue/a/objects.json", "[]")
	remote := &flakyRemote{Local: local, openFailures: 3}

	var delays []time.Duration
	c := NewClient(remote, WithRetryPolicy(testPolicy(&delays)))

	_, err := c.ReadFile(context.Background(), "queue/a/objects.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, remote.openCalls)
}

func TestReadFileRecoversWithinBudget(t *testing.T) {
	local := newLocal(t)
	writeFile(t, local, "queue/a/objects.json", `[{"a":1}]`)
	remote := &flakyRemote{Local: local, openFailures: 2}

	var delays []time.Duration
	c := NewClient(remote, WithRetryPolicy(testPolicy(&delays)))

	data, err := c.ReadFile(context.Background(), "queue/a/objects.json")
	require.NoError(t, err)
	assert.Equal(t, `[{"a":1}]`, string(data))
}

func TestReadFileMissingIsNotRetried(t *testing.T) {
	remote := &flakyRemote{Local: newLocal(t)}

	var delays []time.Duration
	c := NewClient(remote, WithRetryPolicy(testPolicy(&delays)))

	_, err := c.ReadFile(context.Background(), "queue/missing.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, remote.openCalls)
	assert.Empty(t, delays)
}

func TestConnectExhaustionIsFatal(t *testing.T) {
	dials := 0
	dial := func(context.Context) (Remote, error) {
		dials++
		return nil, errFlaky
	}

	var delays []time.Duration
	_, err := Connect(context.Background(), dial, WithRetryPolicy(testPolicy(&delays)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, 3, dials)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, delays)
}

func TestConnectStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dials := 0
	dial := func(context.Context) (Remote, error) {
		dials++
		return nil, errFlaky
	}

	_, err := Connect(ctx, dial)
	require.ErrorIs(t, err, ErrConnect)
	assert.LessOrEqual(t, dials, 1)
}

func TestPutJSONRemovesStagingFile(t *testing.T) {
	local := newLocal(t)
	writeFile(t, local, "failed/a/.keep", "")
	staging := t.TempDir()

	c := NewClient(local, WithTempDir(staging))
	err := c.PutJSON(context.Background(), "failed/a/error.json", map[string]string{"error": "boom"})
	require.NoError(t, err)

	data, err := os.ReadFile(local.resolve("failed/a/error.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"boom"}`, string(data))

	left, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, left, "staging file should be removed after upload")
}

func TestPutJSONRemovesStagingFileOnUploadFailure(t *testing.T) {
	local := newLocal(t)
	staging := t.TempDir()

	c := NewClient(local, WithTempDir(staging))
	// parent directory does not exist
	err := c.PutJSON(context.Background(), "nowhere/a/error.json", map[string]string{"error": "boom"})
	require.Error(t, err)

	left, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, left)
}
