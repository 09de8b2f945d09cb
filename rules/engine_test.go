package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return v
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	en, err := NewEngine()
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return en
}

func evaluate(t *testing.T, en *Engine, objects, rules string) (Result, error) {
	t.Helper()
	return en.EvaluateDocuments(decode(t, objects), decode(t, rules))
}

func marshal(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

// TestEvaluateGreaterThan verifies the basic conjunction over an object list
func TestEvaluateGreaterThan(t *testing.T) {
	en := newTestEngine(t)

	res, err := evaluate(t, en, `[{"a":1},{"a":2}]`, `[{"key":"a","operator":"gt","value":1}]`)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if got := marshal(t, res); got != `{"result":[{"a":2}]}` {
		t.Errorf("result = %s", got)
	}
}

// TestEvaluateNoMatchSentinel verifies that no match is a result, not an error
func TestEvaluateNoMatchSentinel(t *testing.T) {
	en := newTestEngine(t)

	res, err := evaluate(t, en, `[{"a":1},{"a":2}]`, `[{"key":"a","operator":"gt","value":5}]`)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if !res.NoMatch() {
		t.Fatalf("expected no-match sentinel, got %v", res.Matches)
	}
	if got := marshal(t, res); got != `{"error":"No objects satisfy the rules."}` {
		t.Errorf("sentinel = %s", got)
	}
}

// TestEvaluateNestedOr verifies logical operators without a key
func TestEvaluateNestedOr(t *testing.T) {
	en := newTestEngine(t)

	rules := `[{"operator":"or","value":[
		{"key":"a","operator":"eq","value":1},
		{"key":"a","operator":"eq","value":2}]}]`
	res, err := evaluate(t, en, `[{"a":1},{"a":2},{"a":3}]`, rules)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if got := marshal(t, res); got != `{"result":[{"a":1},{"a":2}]}` {
		t.Errorf("result = %s", got)
	}
}

// TestOperators verifies each operator against a single object
func TestOperators(t *testing.T) {
	en := newTestEngine(t)

	obj := `{
		"n": 10, "f": 2.5, "s": "hello world", "d": "2024-03-01",
		"tags": ["red", "blue"], "empty": null, "flag": true,
		"nested": {"k": 1}, "uni": "héllo"
	}`

	testCases := []struct {
		name string
		rule string
		want bool
	}{
		{"eq number", `{"key":"n","operator":"eq","value":10}`, true},
		{"eq int and float", `{"key":"n","operator":"eq","value":10.0}`, true},
		{"eq string mismatch", `{"key":"s","operator":"eq","value":"hello"}`, false},
		{"eq missing is null", `{"key":"zzz","operator":"eq","value":null}`, true},
		{"eq bool and one", `{"key":"flag","operator":"eq","value":1}`, true},
		{"eq deep list", `{"key":"tags","operator":"eq","value":["red","blue"]}`, true},
		{"neq", `{"key":"n","operator":"neq","value":11}`, true},
		{"gt", `{"key":"n","operator":"gt","value":9}`, true},
		{"gt equal", `{"key":"n","operator":"gt","value":10}`, false},
		{"lt float", `{"key":"f","operator":"lt","value":3}`, true},
		{"gte", `{"key":"n","operator":"gte","value":10}`, true},
		{"lte", `{"key":"n","operator":"lte","value":9.5}`, false},
		{"gt strings", `{"key":"s","operator":"gt","value":"abc"}`, true},
		{"gt lists", `{"key":"tags","operator":"gt","value":["red","apple"]}`, true},
		{"contains", `{"key":"s","operator":"contains","value":"o w"}`, true},
		{"contains number coerced", `{"key":"n","operator":"contains","value":"1"}`, true},
		{"contains null coerced", `{"key":"zzz","operator":"contains","value":"None"}`, true},
		{"startswith", `{"key":"s","operator":"startswith","value":"hell"}`, true},
		{"endswith", `{"key":"s","operator":"endswith","value":"hello"}`, false},
		{"endswith bool coerced", `{"key":"flag","operator":"endswith","value":"rue"}`, true},
		{"matches anchored at start", `{"key":"s","operator":"matches","value":"h.llo"}`, true},
		{"matches not anywhere", `{"key":"s","operator":"matches","value":"world"}`, false},
		{"matches is not full match", `{"key":"s","operator":"matches","value":"hello"}`, true},
		{"before", `{"key":"d","operator":"before","value":"2024-04-01"}`, true},
		{"after", `{"key":"d","operator":"after","value":"2024-04-01"}`, false},
		{"on", `{"key":"d","operator":"on","value":"2024-03-01"}`, true},
		{"between inclusive low", `{"key":"n","operator":"between","value":[10,20]}`, true},
		{"between inclusive high", `{"key":"n","operator":"between","value":[0,10]}`, true},
		{"between outside", `{"key":"n","operator":"between","value":[11,20]}`, false},
		{"between strings", `{"key":"d","operator":"between","value":["2024-01-01","2024-12-31"]}`, true},
		{"in list", `{"key":"tags","operator":"in","value":"red"}`, true},
		{"in list absent", `{"key":"tags","operator":"in","value":"green"}`, false},
		{"in substring", `{"key":"s","operator":"in","value":"world"}`, true},
		{"in object key", `{"key":"nested","operator":"in","value":"k"}`, true},
		{"in missing key defaults empty", `{"key":"zzz","operator":"in","value":"red"}`, false},
		{"notin", `{"key":"tags","operator":"notin","value":"green"}`, true},
		{"includes", `{"key":"tags","operator":"includes","value":"blue"}`, true},
		{"excludes", `{"key":"tags","operator":"excludes","value":"blue"}`, false},
		{"and", `{"operator":"and","value":[{"key":"n","operator":"gt","value":5},{"key":"f","operator":"lt","value":3}]}`, true},
		{"and one fails", `{"operator":"and","value":[{"key":"n","operator":"gt","value":5},{"key":"f","operator":"gt","value":3}]}`, false},
		{"and empty", `{"operator":"and","value":[]}`, true},
		{"or empty", `{"operator":"or","value":[]}`, false},
		{"not single", `{"operator":"not","value":{"key":"n","operator":"eq","value":10}}`, false},
		{"not list", `{"operator":"not","value":[{"key":"n","operator":"eq","value":10},{"key":"f","operator":"eq","value":0}]}`, true},
		{"isnull missing", `{"key":"zzz","operator":"isnull"}`, true},
		{"isnull explicit null", `{"key":"empty","operator":"isnull","value":null}`, true},
		{"isnull present", `{"key":"n","operator":"isnull","value":null}`, false},
		{"isnotnull", `{"key":"n","operator":"isnotnull","value":null}`, true},
		{"length string", `{"key":"s","operator":"length","value":11}`, true},
		{"length counts characters", `{"key":"uni","operator":"length","value":5}`, true},
		{"length of number text", `{"key":"f","operator":"length","value":3}`, true},
		{"length of list text", `{"key":"tags","operator":"length","value":15}`, true},
		{"mod divisible", `{"key":"n","operator":"mod","value":5}`, true},
		{"mod not divisible", `{"key":"n","operator":"mod","value":3}`, false},
		{"div floor is zero", `{"key":"n","operator":"div","value":20}`, true},
		{"div floor nonzero", `{"key":"n","operator":"div","value":5}`, false},
		{"expr", `{"operator":"expr","value":"obj.n > 5 && 'red' in obj.tags"}`, true},
		{"expr with key", `{"key":"f","operator":"expr","value":"value < 3"}`, true},
		{"expr non-bool is false", `{"operator":"expr","value":"obj.n"}`, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := evaluate(t, en, "["+obj+"]", "["+tc.rule+"]")
			if err != nil {
				t.Fatalf("Evaluate() failed: %v", err)
			}
			if got := !res.NoMatch(); got != tc.want {
				t.Errorf("matched = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestLargeIntegersCompareExactly verifies integers beyond float64 precision keep their value
func TestLargeIntegersCompareExactly(t *testing.T) {
	en := newTestEngine(t)

	obj := `{"id": 9007199254740993, "n": 10000000000000001, "neg": -9007199254740993, "ids": [9007199254740992]}`

	testCases := []struct {
		name string
		rule string
		want bool
	}{
		{"eq neighbour", `{"key":"id","operator":"eq","value":9007199254740992}`, false},
		{"eq itself", `{"key":"id","operator":"eq","value":9007199254740993}`, true},
		{"neq neighbour", `{"key":"id","operator":"neq","value":9007199254740992}`, true},
		{"gt neighbour", `{"key":"id","operator":"gt","value":9007199254740992}`, true},
		{"lt neighbour", `{"key":"id","operator":"lt","value":9007199254740994}`, true},
		{"gte itself", `{"key":"id","operator":"gte","value":9007199254740993}`, true},
		{"lte neighbour", `{"key":"id","operator":"lte","value":9007199254740992}`, false},
		{"between tight", `{"key":"id","operator":"between","value":[9007199254740993,9007199254740993]}`, true},
		{"between excludes", `{"key":"id","operator":"between","value":[9007199254740994,9007199254740999]}`, false},
		{"after neighbour", `{"key":"id","operator":"after","value":9007199254740992}`, true},
		{"on neighbour", `{"key":"id","operator":"on","value":9007199254740992}`, false},
		{"in list neighbour", `{"key":"ids","operator":"in","value":9007199254740993}`, false},
		{"in list itself", `{"key":"ids","operator":"in","value":9007199254740992}`, true},
		{"eq float neighbour", `{"key":"id","operator":"eq","value":9007199254740992.0}`, false},
		{"gt float neighbour", `{"key":"id","operator":"gt","value":9007199254740992.0}`, true},
		{"mod odd", `{"key":"n","operator":"mod","value":2}`, false},
		{"mod divisible", `{"key":"n","operator":"mod","value":10000000000000001}`, true},
		{"mod negative divisible", `{"key":"neg","operator":"mod","value":3}`, true},
		{"mod negative remainder", `{"key":"neg","operator":"mod","value":7}`, false},
		{"div quotient one", `{"key":"n","operator":"div","value":10000000000000001}`, false},
		{"div quotient zero", `{"key":"n","operator":"div","value":10000000000000002}`, true},
		{"div negative floors below zero", `{"key":"neg","operator":"div","value":9007199254740994}`, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := evaluate(t, en, "["+obj+"]", "["+tc.rule+"]")
			if err != nil {
				t.Fatalf("Evaluate() failed: %v", err)
			}
			if got := !res.NoMatch(); got != tc.want {
				t.Errorf("matched = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestEvaluationErrors verifies that type errors surface as errors rather than non-matches
func TestEvaluationErrors(t *testing.T) {
	en := newTestEngine(t)

	obj := `{"n": 10, "s": "abc", "tags": ["a"], "nested": {"k": 1}}`

	testCases := []struct {
		name    string
		rule    string
		wantErr error
	}{
		{"gt against missing key", `{"key":"zzz","operator":"gt","value":1}`, ErrIncomparable},
		{"gt string and number", `{"key":"s","operator":"gt","value":1}`, ErrIncomparable},
		{"gt objects", `{"key":"nested","operator":"gt","value":{"k":0}}`, ErrIncomparable},
		{"notin missing key", `{"key":"zzz","operator":"notin","value":"a"}`, ErrNotContainer},
		{"includes missing key", `{"key":"zzz","operator":"includes","value":"a"}`, ErrNotContainer},
		{"excludes on number", `{"key":"n","operator":"excludes","value":1}`, ErrNotContainer},
		{"in substring of non-string", `{"key":"s","operator":"in","value":1}`, ErrNotContainer},
		{"mod on string", `{"key":"s","operator":"mod","value":2}`, ErrNotNumeric},
		{"div on missing", `{"key":"zzz","operator":"div","value":2}`, ErrNotNumeric},
		{"between missing", `{"key":"zzz","operator":"between","value":[1,2]}`, ErrIncomparable},
		{"error inside nested", `{"operator":"or","value":[{"key":"zzz","operator":"lt","value":1}]}`, ErrIncomparable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := evaluate(t, en, "["+obj+"]", "["+tc.rule+"]")
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

// TestShortCircuit verifies evaluation stops at the first failing rule
func TestShortCircuit(t *testing.T) {
	en := newTestEngine(t)

	// the second rule would fail with a type error if evaluated
	rules := `[{"key":"n","operator":"eq","value":0},{"key":"zzz","operator":"gt","value":1}]`
	res, err := evaluate(t, en, `[{"n":1}]`, rules)
	if err != nil {
		t.Fatalf("Evaluate() should short-circuit, got %v", err)
	}
	if !res.NoMatch() {
		t.Errorf("expected no match")
	}

	// between stops after the low bound fails
	res, err = evaluate(t, en, `[{"n":1}]`, `[{"key":"n","operator":"between","value":[5,"x"]}]`)
	if err != nil {
		t.Fatalf("between should short-circuit on the low bound, got %v", err)
	}
	if !res.NoMatch() {
		t.Errorf("expected no match")
	}
}

// TestCompileErrors verifies malformed rules are rejected before evaluation
func TestCompileErrors(t *testing.T) {
	en := newTestEngine(t)

	testCases := []struct {
		name    string
		rules   string
		wantErr error
	}{
		{"not an array", `{"key":"a","operator":"eq","value":1}`, ErrNotArray},
		{"rule not an object", `[1]`, ErrNotObject},
		{"unknown operator", `[{"key":"a","operator":"like","value":1}]`, ErrUnknownOperator},
		{"unknown nested operator", `[{"operator":"and","value":[{"key":"a","operator":"like","value":1}]}]`, ErrUnknownOperator},
		{"missing operator", `[{"key":"a","value":1}]`, ErrInvalidRule},
		{"missing key", `[{"operator":"eq","value":1}]`, ErrInvalidRule},
		{"missing value", `[{"key":"a","operator":"eq"}]`, ErrInvalidRule},
		{"non-string key", `[{"key":1,"operator":"eq","value":1}]`, ErrInvalidRule},
		{"between needs pair", `[{"key":"a","operator":"between","value":[1]}]`, ErrInvalidRule},
		{"contains needs string", `[{"key":"a","operator":"contains","value":1}]`, ErrInvalidRule},
		{"bad pattern", `[{"key":"a","operator":"matches","value":"("}]`, ErrInvalidRule},
		{"mod by zero", `[{"key":"a","operator":"mod","value":0}]`, ErrInvalidRule},
		{"div by string", `[{"key":"a","operator":"div","value":"2"}]`, ErrInvalidRule},
		{"and needs list", `[{"operator":"and","value":{"key":"a","operator":"eq","value":1}}]`, ErrInvalidRule},
		{"bad expression", `[{"operator":"expr","value":"obj.a >"}]`, ErrInvalidRule},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := en.Compile(decode(t, tc.rules))
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Compile() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

// TestEvaluateRejectsNonObjects verifies objects must be JSON objects
func TestEvaluateRejectsNonObjects(t *testing.T) {
	en := newTestEngine(t)

	if _, err := evaluate(t, en, `{"a":1}`, `[]`); !errors.Is(err, ErrNotArray) {
		t.Errorf("non-array objects: error = %v, want ErrNotArray", err)
	}
	if _, err := evaluate(t, en, `[1]`, `[{"key":"a","operator":"eq","value":1}]`); !errors.Is(err, ErrNotObject) {
		t.Errorf("non-object element: error = %v, want ErrNotObject", err)
	}
}

// TestEmptyRulesMatchEverything verifies the empty conjunction
func TestEmptyRulesMatchEverything(t *testing.T) {
	en := newTestEngine(t)

	res, err := evaluate(t, en, `[{"a":1},{"b":2}]`, `[]`)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if len(res.Matches) != 2 {
		t.Errorf("len(Matches) = %d, want 2", len(res.Matches))
	}
}

// TestResultPreservesNumberLiterals verifies matched objects are written back as submitted
func TestResultPreservesNumberLiterals(t *testing.T) {
	en := newTestEngine(t)

	res, err := evaluate(t, en, `[{"price":10.50,"id":12345678901234567890}]`, `[{"key":"price","operator":"gt","value":1}]`)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if got := marshal(t, res); got != `{"result":[{"id":12345678901234567890,"price":10.50}]}` {
		t.Errorf("result = %s", got)
	}
}

// TestEveryOperatorHasEvaluator verifies the operator table is exhaustive
func TestEveryOperatorHasEvaluator(t *testing.T) {
	for op := Operator(0); op < numOperators; op++ {
		if evaluators[op] == nil {
			t.Errorf("operator %s has no evaluator", op)
		}
		if operatorNames[op] == "" {
			t.Errorf("operator %d has no name", op)
		}
		parsed, err := ParseOperator(op.String())
		if err != nil || parsed != op {
			t.Errorf("ParseOperator(%q) = %v, %v", op.String(), parsed, err)
		}
	}
}

// TestExprProgramsAreCached verifies repeated expressions compile once
func TestExprProgramsAreCached(t *testing.T) {
	en := newTestEngine(t)

	rules := `[{"operator":"expr","value":"obj.a == 1"}]`
	for i := 0; i < 3; i++ {
		if _, err := en.Compile(decode(t, rules)); err != nil {
			t.Fatalf("Compile() failed: %v", err)
		}
	}
	en.mu.RLock()
	defer en.mu.RUnlock()
	if len(en.programs) != 1 {
		t.Errorf("len(programs) = %d, want 1", len(en.programs))
	}
}

// TestExprProgramCacheIsBounded verifies distinct expressions cannot grow the cache without limit
func TestExprProgramCacheIsBounded(t *testing.T) {
	en := newTestEngine(t)
	en.maxPrograms = 4

	for i := 0; i < 10; i++ {
		rules := fmt.Sprintf(`[{"operator":"expr","value":"obj.a == %d"}]`, i)
		if _, err := en.Compile(decode(t, rules)); err != nil {
			t.Fatalf("Compile() failed: %v", err)
		}

		en.mu.RLock()
		n := len(en.programs)
		en.mu.RUnlock()
		if n > 4 {
			t.Fatalf("len(programs) = %d after %d expressions, want at most 4", n, i+1)
		}
	}

	res, err := evaluate(t, en, `[{"a":9},{"a":1}]`, `[{"operator":"expr","value":"obj.a == 9"}]`)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if got := marshal(t, res); got != `{"result":[{"a":9}]}` {
		t.Errorf("result = %s", got)
	}
}
