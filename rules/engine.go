package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
)

// NoMatchMessage is the sentinel reported when no object satisfies the rules
const NoMatchMessage = "No objects satisfy the rules."

// Result is the outcome of evaluating an object list.
// An empty match list is a normal outcome, not an error.
type Result struct {
	Matches []any
}

// NoMatch reports whether the result is the "no objects satisfy" sentinel
func (r Result) NoMatch() bool {
	return len(r.Matches) == 0
}

// MarshalJSON encodes matches as {"result": [...]} and the sentinel as {"error": "..."}
func (r Result) MarshalJSON() ([]byte, error) {
	if r.NoMatch() {
		return json.Marshal(map[string]string{"error": NoMatchMessage})
	}
	return json.Marshal(map[string][]any{"result": r.Matches})
}

// maxPrograms bounds the compiled expression cache. Expressions come from
// submissions, so the cache is cleared when full rather than left to grow.
const maxPrograms = 1024

// Engine compiles and evaluates rule documents
type Engine struct {
	env         *cel.Env
	programs    map[string]cel.Program // expression source -> compiled program
	maxPrograms int
	mu          sync.RWMutex
}

// NewEngine creates a rule engine with a CEL environment for expr rules
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("obj", cel.DynType),
		cel.Variable("value", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:         env,
		programs:    make(map[string]cel.Program),
		maxPrograms: maxPrograms,
	}, nil
}

// program compiles a CEL expression, reusing earlier compilations
func (en *Engine) program(src string) (cel.Program, error) {
	en.mu.RLock()
	prog, ok := en.programs[src]
	en.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := en.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	// Cost limit keeps a submitted expression from running away
	prog, err := en.env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	en.mu.Lock()
	if len(en.programs) >= en.maxPrograms {
		en.programs = make(map[string]cel.Program)
	}
	en.programs[src] = prog
	en.mu.Unlock()

	return prog, nil
}

// Compile validates a decoded rules document (a JSON array of rule objects)
func (en *Engine) Compile(doc any) ([]Rule, error) {
	list, ok := doc.([]any)
	if !ok {
		return nil, fmt.Errorf("rules: %w", ErrNotArray)
	}

	compiled := make([]Rule, 0, len(list))
	for i, raw := range list {
		r, err := en.compileRule(raw, fmt.Sprintf("rules[%d]", i))
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, r)
	}
	return compiled, nil
}

// Evaluate returns the objects that satisfy every rule, in input order.
// Each object stops at its first failing rule.
func (en *Engine) Evaluate(objects any, rules []Rule) (Result, error) {
	list, ok := objects.([]any)
	if !ok {
		return Result{}, fmt.Errorf("objects: %w", ErrNotArray)
	}

	var matches []any
	for i, raw := range list {
		ok, err := matchAll(raw, rules)
		if err != nil {
			return Result{}, fmt.Errorf("objects[%d]: %w", i, err)
		}
		if ok {
			matches = append(matches, raw)
		}
	}
	return Result{Matches: matches}, nil
}

// EvaluateDocuments compiles the rules document and evaluates the objects document
func (en *Engine) EvaluateDocuments(objects, rules any) (Result, error) {
	compiled, err := en.Compile(rules)
	if err != nil {
		return Result{}, err
	}
	return en.Evaluate(objects, compiled)
}

func matchAll(raw any, rules []Rule) (bool, error) {
	if len(rules) == 0 {
		return true, nil
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return false, fmt.Errorf("%w: got %s", ErrNotObject, kind(raw))
	}

	for i := range rules {
		ok, err := rules[i].Match(obj)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Match evaluates the rule against one object
func (r *Rule) Match(obj map[string]any) (bool, error) {
	if r.Operator < 0 || r.Operator >= numOperators {
		return false, fmt.Errorf("%w: %s", ErrUnknownOperator, r.Operator)
	}
	ok, err := evaluators[r.Operator](r, obj)
	if err != nil {
		return false, fmt.Errorf("%s on %q: %w", r.Operator, r.Key, err)
	}
	return ok, nil
}

type evalFunc func(r *Rule, obj map[string]any) (bool, error)

// evaluators has an entry for every operator. It is filled in init because
// the logical operators recurse through Rule.Match.
var evaluators [numOperators]evalFunc

func init() {
	evaluators = [numOperators]evalFunc{
		OpEq:         func(r *Rule, obj map[string]any) (bool, error) { return equal(obj[r.Key], r.scalar()), nil },
		OpNeq:        func(r *Rule, obj map[string]any) (bool, error) { return !equal(obj[r.Key], r.scalar()), nil },
		OpGt:         ordered(func(c int) bool { return c > 0 }),
		OpLt:         ordered(func(c int) bool { return c < 0 }),
		OpGte:        ordered(func(c int) bool { return c >= 0 }),
		OpLte:        ordered(func(c int) bool { return c <= 0 }),
		OpContains:   textual(strings.Contains),
		OpStartsWith: textual(strings.HasPrefix),
		OpEndsWith:   textual(strings.HasSuffix),
		OpMatches:    evalMatches,
		OpBefore:     ordered(func(c int) bool { return c < 0 }),
		OpAfter:      ordered(func(c int) bool { return c > 0 }),
		OpOn:         func(r *Rule, obj map[string]any) (bool, error) { return equal(obj[r.Key], r.scalar()), nil },
		OpBetween:    evalBetween,
		OpIn:         membership(true, false),
		OpNotIn:      membership(false, true),
		OpIncludes:   membership(false, false),
		OpExcludes:   membership(false, true),
		OpAnd:        evalAnd,
		OpOr:         evalOr,
		OpNot:        evalNot,
		OpIsNull:     func(r *Rule, obj map[string]any) (bool, error) { return obj[r.Key] == nil, nil },
		OpIsNotNull:  func(r *Rule, obj map[string]any) (bool, error) { return obj[r.Key] != nil, nil },
		OpLength:     evalLength,
		OpMod:        arithmetic(remainderIsZero, func(a, b float64) bool { return math.Mod(a, b) == 0 }),
		OpDiv:        arithmetic(floorQuotientIsZero, func(a, b float64) bool { return math.Floor(a/b) == 0 }),
		OpExpr:       evalExpr,
	}
}

func (r *Rule) scalar() any {
	if s, ok := r.Operand.(Scalar); ok {
		return s.Value
	}
	return nil
}

func ordered(accept func(int) bool) evalFunc {
	return func(r *Rule, obj map[string]any) (bool, error) {
		c, err := compare(obj[r.Key], r.scalar())
		if err != nil {
			return false, err
		}
		return accept(c), nil
	}
}

func textual(test func(s, sub string) bool) evalFunc {
	return func(r *Rule, obj map[string]any) (bool, error) {
		sub, _ := r.scalar().(string)
		return test(text(obj[r.Key]), sub), nil
	}
}

func evalMatches(r *Rule, obj map[string]any) (bool, error) {
	p, ok := r.Operand.(Pattern)
	if !ok || p.re == nil {
		return false, fmt.Errorf("%w: matches without a compiled pattern", ErrInvalidRule)
	}
	return p.re.MatchString(text(obj[r.Key])), nil
}

func evalBetween(r *Rule, obj map[string]any) (bool, error) {
	rng, ok := r.Operand.(Range)
	if !ok {
		return false, fmt.Errorf("%w: between without a range", ErrInvalidRule)
	}
	v := obj[r.Key]

	c, err := compare(v, rng.Lo)
	if err != nil || c < 0 {
		return false, err
	}
	c, err = compare(v, rng.Hi)
	if err != nil {
		return false, err
	}
	return c <= 0, nil
}

// membership tests whether the rule value is in the object's container.
// defaultEmpty substitutes an empty list when the key is absent.
func membership(defaultEmpty, negate bool) evalFunc {
	return func(r *Rule, obj map[string]any) (bool, error) {
		container, present := obj[r.Key]
		if !present && defaultEmpty {
			container = []any{}
		}
		found, err := member(container, r.scalar())
		if err != nil {
			return false, err
		}
		return found != negate, nil
	}
}

func nested(r *Rule) ([]Rule, error) {
	n, ok := r.Operand.(Nested)
	if !ok {
		return nil, fmt.Errorf("%w: %s without nested rules", ErrInvalidRule, r.Operator)
	}
	return n.Rules, nil
}

func evalAnd(r *Rule, obj map[string]any) (bool, error) {
	subs, err := nested(r)
	if err != nil {
		return false, err
	}
	for i := range subs {
		ok, err := subs[i].Match(obj)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func evalOr(r *Rule, obj map[string]any) (bool, error) {
	subs, err := nested(r)
	if err != nil {
		return false, err
	}
	for i := range subs {
		ok, err := subs[i].Match(obj)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func evalNot(r *Rule, obj map[string]any) (bool, error) {
	subs, err := nested(r)
	if err != nil {
		return false, err
	}
	ok, err := matchAll(obj, subs)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func evalLength(r *Rule, obj map[string]any) (bool, error) {
	n := utf8.RuneCountInString(text(obj[r.Key]))
	return equal(n, r.scalar()), nil
}

// arithmetic tests objectValue against ruleValue. Two integers go through
// exact, anything else through approx.
func arithmetic(exact func(a, b decimal.Decimal) bool, approx func(a, b float64) bool) evalFunc {
	return func(r *Rule, obj map[string]any) (bool, error) {
		value, divisor := obj[r.Key], r.scalar()
		a, ok := number(value)
		if !ok {
			return false, fmt.Errorf("%w: got %s", ErrNotNumeric, kind(value))
		}
		b, ok := number(divisor)
		if !ok || b == 0 {
			return false, fmt.Errorf("%w: divisor %s", ErrNotNumeric, kind(divisor))
		}
		if x, ok := integer(value); ok {
			if y, ok := integer(divisor); ok {
				return exact(x, y), nil
			}
		}
		return approx(a, b), nil
	}
}

func remainderIsZero(a, b decimal.Decimal) bool {
	return a.Mod(b).IsZero()
}

// floorQuotientIsZero reports whether a divided by b, rounded toward
// negative infinity, is zero. QuoRem truncates, so a remainder whose sign
// differs from the divisor means the floor is one lower.
func floorQuotientIsZero(a, b decimal.Decimal) bool {
	q, rem := a.QuoRem(b, 0)
	if !rem.IsZero() && rem.Sign() != b.Sign() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q.IsZero()
}

func evalExpr(r *Rule, obj map[string]any) (bool, error) {
	e, ok := r.Operand.(Expr)
	if !ok || e.program == nil {
		return false, fmt.Errorf("%w: expr without a compiled program", ErrInvalidRule)
	}

	var value any
	if r.Key != "" {
		value = plain(obj[r.Key])
	}
	out, _, err := e.program.Eval(map[string]any{
		"obj":   plain(obj),
		"value": value,
	})
	if err != nil {
		return false, fmt.Errorf("expression %q: %w", e.Source, err)
	}

	matched, _ := out.Value().(bool)
	return matched, nil
}
