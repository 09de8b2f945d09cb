// Package rulesets stores named, reusable rules documents that submissions
// can reference instead of carrying their rules inline.
package rulesets

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrNotFound = errors.New("rule set not found")
	ErrExists   = errors.New("rule set already exists")
	ErrInvalid  = errors.New("invalid rule set")
)

const (
	maxNameLength = 100
	maxRules      = 500
)

var namePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

// RuleSet is a stored rules document
type RuleSet struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Rules       json.RawMessage `json:"rules"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (rs *RuleSet) clone() *RuleSet {
	c := *rs
	c.Rules = append(json.RawMessage(nil), rs.Rules...)
	return &c
}

// validateName checks a rule set name
// Names start with a letter or underscore, followed by letters, digits,
// underscores or hyphens, and are at most 100 characters long.
func validateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalid)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name length %d exceeds maximum of %d characters", ErrInvalid, len(name), maxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalid, name, namePattern)
	}
	return nil
}
