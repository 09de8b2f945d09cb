package rulesets

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{"id", "name", "description", "rules", "active", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresStore(db), mock
}

func TestPostgresStoreAdd(t *testing.T) {
	store, mock := newMockStore(t)
	rs := newSet("3f1c", "premium", true)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rule_sets")).
		WithArgs("3f1c", "premium", "", string(rs.Rules), true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Add(context.Background(), rs))
	assert.False(t, rs.CreatedAt.IsZero())
}

func TestPostgresStoreAddDuplicateName(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rule_sets")).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := store.Add(context.Background(), newSet("3f1c", "premium", true))
	assert.ErrorIs(t, err, ErrExists)
}

func TestPostgresStoreGet(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 12, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, description, rules, active, created_at, updated_at FROM rule_sets WHERE id = $1")).
		WithArgs("3f1c").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("3f1c", "premium", "gold tier", []byte(`[{"key":"tier","operator":"eq","value":"gold"}]`), true, created, created))

	rs, err := store.Get(context.Background(), "3f1c")
	require.NoError(t, err)
	assert.Equal(t, "premium", rs.Name)
	assert.Equal(t, "gold tier", rs.Description)
	assert.JSONEq(t, `[{"key":"tier","operator":"eq","value":"gold"}]`, string(rs.Rules))
	assert.Equal(t, created, rs.CreatedAt)
}

func TestPostgresStoreGetMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM rule_sets")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreMalformedIDIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	malformed := &pq.Error{Code: invalidTextRepresentation, Message: `invalid input syntax for type uuid: "gold"`}

	mock.ExpectQuery(regexp.QuoteMeta("FROM rule_sets")).WithArgs("gold").WillReturnError(malformed)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE rule_sets")).WillReturnError(malformed)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rule_sets")).WithArgs("gold").WillReturnError(malformed)

	ctx := context.Background()
	_, err := store.Get(ctx, "gold")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, newSet("gold", "x", true)), ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "gold"), ErrNotFound)
}

func TestPostgresStoreListActive(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE active = true")).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("a", "first", "", []byte(`[]`), true, now, now).
			AddRow("b", "second", "", []byte(`[]`), true, now, now))

	sets, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, "a", sets[0].ID)
	assert.Equal(t, "b", sets[1].ID)
}

func TestPostgresStoreListActiveQueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM rule_sets")).WillReturnError(errors.New("connection reset"))

	_, err := store.ListActive(context.Background())
	assert.ErrorContains(t, err, "connection reset")
}

func TestPostgresStoreUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 12, 1, 12, 0, 0, 0, time.UTC)
	rs := newSet("3f1c", "premium", false)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE rule_sets")).
		WithArgs("premium", "", string(rs.Rules), false, sqlmock.AnyArg(), "3f1c").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	require.NoError(t, store.Update(context.Background(), rs))
	assert.Equal(t, created, rs.CreatedAt)
	assert.True(t, rs.UpdatedAt.After(created))
}

func TestPostgresStoreUpdateMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE rule_sets")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

	err := store.Update(context.Background(), newSet("nope", "x", true))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreDelete(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rule_sets WHERE id = $1")).
		WithArgs("3f1c").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rule_sets")).
		WithArgs("3f1c").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Delete(context.Background(), "3f1c"))
	assert.ErrorIs(t, store.Delete(context.Background(), "3f1c"), ErrNotFound)
}
