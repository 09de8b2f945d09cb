package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/rulesflow/migrations"
)

type fakeMigrator struct {
	calls   []string
	err     error
	version uint
	forced  int
	steps   int
}

func (f *fakeMigrator) Up() error   { f.calls = append(f.calls, "up"); return f.err }
func (f *fakeMigrator) Down() error { f.calls = append(f.calls, "down"); return f.err }

func (f *fakeMigrator) Steps(n int) error {
	f.calls = append(f.calls, "steps")
	f.steps = n
	return f.err
}

func (f *fakeMigrator) Version() (uint, bool, error) {
	f.calls = append(f.calls, "version")
	return f.version, false, f.err
}

func (f *fakeMigrator) Force(v int) error {
	f.calls = append(f.calls, "force")
	f.forced = v
	return f.err
}

func TestRunCommand(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	testCases := []struct {
		name    string
		command string
		args    []string
		err     error
		wantErr string
	}{
		{name: "up", command: "up"},
		{name: "up with nothing to do", command: "up", err: migrate.ErrNoChange},
		{name: "up failure", command: "up", err: errors.New("syntax error at or near"), wantErr: "syntax error"},
		{name: "down", command: "down"},
		{name: "steps", command: "steps", args: []string{"-1"}},
		{name: "steps without count", command: "steps", wantErr: "requires a number"},
		{name: "version", command: "version"},
		{name: "version before any migration", command: "version", err: migrate.ErrNilVersion},
		{name: "force", command: "force", args: []string{"1"}},
		{name: "force bad version", command: "force", args: []string{"one"}, wantErr: "invalid number"},
		{name: "unknown", command: "sideways", wantErr: "unknown command"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := &fakeMigrator{err: tc.err, version: 1}
			err := runCommand(m, tc.command, tc.args, log)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRunCommandPassesNumbers(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	m := &fakeMigrator{}
	require.NoError(t, runCommand(m, "force", []string{"3"}, log))
	assert.Equal(t, 3, m.forced)

	require.NoError(t, runCommand(m, "steps", []string{"-2"}, log))
	assert.Equal(t, -2, m.steps)
	assert.Equal(t, []string{"force", "steps"}, m.calls)
}

// TestEmbeddedMigrationsArePaired verifies every up migration has a down
func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrations.FS, "*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrations.FS, "*.down.sql")
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}
