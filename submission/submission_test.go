package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/rulesflow/rulesets"
	"github.com/liamcoop/rulesflow/storage"
	"github.com/liamcoop/rulesflow/transaction"
)

const testID = "A1b2C3d4E5f6G7h8I901012024120000"

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"inline rules", `{"objects":[{"a":1}],"rules":[{"key":"a","operator":"eq","value":1}]}`, false},
		{"rule set reference", `{"objects":[],"ruleSetId":"set-1"}`, false},
		{"missing objects", `{"rules":[]}`, true},
		{"missing rules and rule set", `{"objects":[]}`, true},
		{"both rules and rule set", `{"objects":[],"rules":[],"ruleSetId":"x"}`, true},
		{"objects not a list", `{"objects":{"a":1},"rules":[]}`, true},
		{"rules not a list", `{"objects":[],"rules":"all"}`, true},
		{"rule without operator", `{"objects":[],"rules":[{"key":"a"}]}`, true},
		{"not an object", `[1,2,3]`, true},
		{"not json", `{"objects":`, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate([]byte(tc.payload))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSubmission)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateKeepsDocuments(t *testing.T) {
	req, err := Validate([]byte(`{"objects":[{"price":10.50}],"rules":[{"key":"price","operator":"gt","value":10}]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"price":10.50}]`, string(req.Objects))
	assert.Contains(t, string(req.Objects), "10.50", "number literals are not rewritten")
	assert.Empty(t, req.RuleSetID)
}

type resolverFunc func(ctx context.Context, id string) (json.RawMessage, error)

func (f resolverFunc) Resolve(ctx context.Context, id string) (json.RawMessage, error) {
	return f(ctx, id)
}

type fixture struct {
	root  string
	stage string
	fs    *storage.Client
	s     *Submitter
}

func newFixture(t *testing.T, resolver Resolver) *fixture {
	t.Helper()

	root := t.TempDir()
	layout := transaction.DefaultLayout()
	require.NoError(t, os.MkdirAll(filepath.Join(root, layout.Root(transaction.Queue)), 0755))

	local, err := storage.NewLocal(root)
	require.NoError(t, err)

	stage := t.TempDir()
	s := NewSubmitter(layout, resolver, stage, nil)
	s.newID = func() (string, error) { return testID, nil }

	return &fixture{root: root, stage: stage, fs: storage.NewClient(local), s: s}
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, "queue", testID, name))
	require.NoError(t, err)
	return string(data)
}

func TestSubmitStagesIntoQueue(t *testing.T) {
	f := newFixture(t, nil)

	req, err := Validate([]byte(`{"objects":[{"a":1}],"rules":[{"key":"a","operator":"eq","value":1}]}`))
	require.NoError(t, err)

	receipt, err := f.s.Submit(context.Background(), f.fs, req)
	require.NoError(t, err)
	assert.Equal(t, testID, receipt.TransactionID)
	assert.Equal(t, "queue/"+testID, receipt.Location)
	assert.Contains(t, receipt.Message, testID)

	rules := f.read(t, transaction.RulesFile)
	assert.JSONEq(t, `[{"key":"a","operator":"eq","value":1}]`, rules)
	assert.True(t, strings.Contains(rules, "\n    "), "documents are indented")
	assert.JSONEq(t, `[{"a":1}]`, f.read(t, transaction.ObjectsFile))

	entries, err := os.ReadDir(f.stage)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory removed")
}

func TestSubmitResolvesRuleSet(t *testing.T) {
	var asked string
	f := newFixture(t, resolverFunc(func(_ context.Context, id string) (json.RawMessage, error) {
		asked = id
		return json.RawMessage(`[{"key":"tier","operator":"in","value":["gold"]}]`), nil
	}))

	_, err := f.s.Submit(context.Background(), f.fs, Request{Objects: json.RawMessage(`[]`), RuleSetID: "premium"})
	require.NoError(t, err)
	assert.Equal(t, "premium", asked)
	assert.JSONEq(t, `[{"key":"tier","operator":"in","value":["gold"]}]`, f.read(t, transaction.RulesFile))
}

func TestSubmitUnknownRuleSet(t *testing.T) {
	f := newFixture(t, resolverFunc(func(_ context.Context, id string) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: %s", rulesets.ErrNotFound, id)
	}))

	_, err := f.s.Submit(context.Background(), f.fs, Request{Objects: json.RawMessage(`[]`), RuleSetID: "missing"})
	assert.ErrorIs(t, err, ErrUnknownRuleSet)

	_, statErr := os.Stat(filepath.Join(f.root, "queue", testID))
	assert.True(t, os.IsNotExist(statErr), "nothing queued")
}

func TestSubmitResolverFailureIsNotUnknownRuleSet(t *testing.T) {
	outage := errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
	f := newFixture(t, resolverFunc(func(context.Context, string) (json.RawMessage, error) {
		return nil, outage
	}))

	_, err := f.s.Submit(context.Background(), f.fs, Request{Objects: json.RawMessage(`[]`), RuleSetID: "premium"})
	require.Error(t, err)
	assert.ErrorIs(t, err, outage)
	assert.NotErrorIs(t, err, ErrUnknownRuleSet)

	_, statErr := os.Stat(filepath.Join(f.root, "queue", testID))
	assert.True(t, os.IsNotExist(statErr), "nothing queued")
}

func TestSubmitWithoutResolver(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.s.Submit(context.Background(), f.fs, Request{Objects: json.RawMessage(`[]`), RuleSetID: "any"})
	assert.ErrorIs(t, err, ErrUnknownRuleSet)
}

func TestSubmitUploadFailureCleansStaging(t *testing.T) {
	f := newFixture(t, nil)
	// the queue root is missing, so the transaction directory cannot be created
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "queue")))

	_, err := f.s.Submit(context.Background(), f.fs, Request{Objects: json.RawMessage(`[]`), Rules: json.RawMessage(`[]`)})
	assert.Error(t, err)

	entries, err := os.ReadDir(f.stage)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
