package rulesets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgreSQL error codes
const (
	uniqueViolation = "23505"
	// raised when an id is not a well-formed UUID; no such rule set can exist
	invalidTextRepresentation = "22P02"
)

// PostgresStore implements Store backed by the rule_sets table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed Store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Add inserts a new rule set
func (s *PostgresStore) Add(ctx context.Context, rs *RuleSet) error {
	now := time.Now().UTC()
	rs.CreatedAt = now
	rs.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_sets (id, name, description, rules, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rs.ID, rs.Name, rs.Description, string(rs.Rules), rs.Active, rs.CreatedAt, rs.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrExists, rs.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert rule set: %w", err)
	}
	return nil
}

// Get retrieves a rule set by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*RuleSet, error) {
	var rs RuleSet
	var rules []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, rules, active, created_at, updated_at
		FROM rule_sets
		WHERE id = $1
	`, id).Scan(&rs.ID, &rs.Name, &rs.Description, &rules, &rs.Active, &rs.CreatedAt, &rs.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule set: %w", err)
	}

	rs.Rules = rules
	return &rs, nil
}

// ListActive returns all active rule sets, oldest first
func (s *PostgresStore) ListActive(ctx context.Context) ([]*RuleSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, rules, active, created_at, updated_at
		FROM rule_sets
		WHERE active = true
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rule sets: %w", err)
	}
	defer rows.Close()

	var sets []*RuleSet
	for rows.Next() {
		var rs RuleSet
		var rules []byte
		if err := rows.Scan(&rs.ID, &rs.Name, &rs.Description, &rules, &rs.Active,
			&rs.CreatedAt, &rs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule set: %w", err)
		}
		rs.Rules = rules
		sets = append(sets, &rs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule sets: %w", err)
	}
	return sets, nil
}

// Update modifies an existing rule set; created_at is left as stored
func (s *PostgresStore) Update(ctx context.Context, rs *RuleSet) error {
	rs.UpdatedAt = time.Now().UTC()

	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE rule_sets
		SET name = $1, description = $2, rules = $3, active = $4, updated_at = $5
		WHERE id = $6
		RETURNING created_at
	`, rs.Name, rs.Description, string(rs.Rules), rs.Active, rs.UpdatedAt, rs.ID).Scan(&createdAt)

	if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, rs.ID)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrExists, rs.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule set: %w", err)
	}

	rs.CreatedAt = createdAt
	return nil
}

// Delete removes a rule set
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rule_sets WHERE id = $1`, id)
	if isMalformedID(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete rule set: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func isMalformedID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == invalidTextRepresentation
}
