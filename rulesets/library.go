package rulesets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/liamcoop/rulesflow/rules"
)

// Draft carries the caller-supplied fields of a rule set. On update, empty
// fields keep their stored values.
type Draft struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Rules       json.RawMessage `json:"rules,omitempty"`
	Active      *bool           `json:"active,omitempty"`
}

// Library validates rule sets before they reach the store and serves the
// active ones through a cache.
type Library struct {
	store  Store
	cache  Cache
	engine *rules.Engine
	logger *slog.Logger
	newID  func() string
}

// NewLibrary creates a Library. A nil cache disables caching.
func NewLibrary(store Store, cache Cache, engine *rules.Engine, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Library{
		store:  store,
		cache:  cache,
		engine: engine,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// Create validates d and stores it as a new rule set. Rule sets are active
// unless d says otherwise.
func (l *Library) Create(ctx context.Context, d Draft) (*RuleSet, error) {
	if err := validateName(d.Name); err != nil {
		return nil, err
	}
	if err := l.validateRules(d.Rules); err != nil {
		return nil, err
	}

	rs := &RuleSet{
		ID:          l.newID(),
		Name:        d.Name,
		Description: d.Description,
		Rules:       compact(d.Rules),
		Active:      d.Active == nil || *d.Active,
	}
	if err := l.store.Add(ctx, rs); err != nil {
		return nil, err
	}

	l.invalidate()
	l.logger.Info("rule set created", "rule_set_id", rs.ID, "name", rs.Name)
	return rs, nil
}

// Get returns a rule set whether or not it is active
func (l *Library) Get(ctx context.Context, id string) (*RuleSet, error) {
	return l.store.Get(ctx, id)
}

// ListActive returns the active rule sets, from cache when possible
func (l *Library) ListActive(ctx context.Context) ([]*RuleSet, error) {
	if l.cache != nil {
		if sets := l.cache.Get(); sets != nil {
			return sets, nil
		}
	}

	sets, err := l.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if sets == nil {
		sets = []*RuleSet{}
	}
	if l.cache != nil {
		l.cache.Set(sets)
	}
	return sets, nil
}

// Update applies d to the rule set with id
func (l *Library) Update(ctx context.Context, id string, d Draft) (*RuleSet, error) {
	rs, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if d.Name != "" {
		if err := validateName(d.Name); err != nil {
			return nil, err
		}
		rs.Name = d.Name
	}
	if d.Description != "" {
		rs.Description = d.Description
	}
	if d.Rules != nil {
		if err := l.validateRules(d.Rules); err != nil {
			return nil, err
		}
		rs.Rules = compact(d.Rules)
	}
	if d.Active != nil {
		rs.Active = *d.Active
	}

	if err := l.store.Update(ctx, rs); err != nil {
		return nil, err
	}

	l.invalidate()
	l.logger.Info("rule set updated", "rule_set_id", rs.ID, "name", rs.Name, "active", rs.Active)
	return rs, nil
}

// Delete removes the rule set with id
func (l *Library) Delete(ctx context.Context, id string) error {
	if err := l.store.Delete(ctx, id); err != nil {
		return err
	}
	l.invalidate()
	l.logger.Info("rule set deleted", "rule_set_id", id)
	return nil
}

// Resolve returns the rules document of an active rule set. Inactive sets
// resolve as not found.
func (l *Library) Resolve(ctx context.Context, id string) (json.RawMessage, error) {
	sets, err := l.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, rs := range sets {
		if rs.ID == id {
			return rs.Rules, nil
		}
	}

	// the cache may predate the set
	rs, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rs.Active {
		return nil, fmt.Errorf("%w: %s is inactive", ErrNotFound, id)
	}
	return rs.Rules, nil
}

// validateRules compiles doc with the rule engine
func (l *Library) validateRules(doc json.RawMessage) error {
	if len(bytes.TrimSpace(doc)) == 0 {
		return fmt.Errorf("%w: rules are required", ErrInvalid)
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return fmt.Errorf("%w: rules are not valid JSON: %v", ErrInvalid, err)
	}

	compiled, err := l.engine.Compile(parsed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(compiled) > maxRules {
		return fmt.Errorf("%w: %d rules, maximum allowed is %d", ErrInvalid, len(compiled), maxRules)
	}
	return nil
}

func (l *Library) invalidate() {
	if l.cache != nil {
		l.cache.Invalidate()
	}
}

func compact(doc json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err != nil {
		return doc
	}
	return buf.Bytes()
}
