package rules

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/google/cel-go/cel"
)

var (
	// ErrUnknownOperator is returned when a rule names an operator that does not exist
	ErrUnknownOperator = errors.New("unknown operator")
	// ErrInvalidRule is returned when a rule is malformed for its operator
	ErrInvalidRule = errors.New("invalid rule")
	// ErrIncomparable is returned when two values cannot be ordered
	ErrIncomparable = errors.New("values are not comparable")
	// ErrNotContainer is returned when a membership test targets a non-container
	ErrNotContainer = errors.New("value is not a container")
	// ErrNotNumeric is returned when arithmetic is applied to a non-number
	ErrNotNumeric = errors.New("value is not a number")
	// ErrNotArray is returned when a document is not a JSON array
	ErrNotArray = errors.New("document is not an array")
	// ErrNotObject is returned when a rule or an evaluated object is not a JSON object
	ErrNotObject = errors.New("element is not an object")
)

// Operand is the typed payload of a rule
type Operand interface {
	operand()
}

// Scalar is a single comparison value
type Scalar struct {
	Value any
}

// Range is an inclusive [Lo, Hi] interval
type Range struct {
	Lo, Hi any
}

// Pattern is a regular expression matched at the start of the value
type Pattern struct {
	Source string
	re     *regexp.Regexp
}

// Nested holds the sub-rules of a logical operator
type Nested struct {
	Rules []Rule
}

// Expr is a CEL expression over the variables obj and value
type Expr struct {
	Source  string
	program cel.Program
}

func (Scalar) operand()  {}
func (Range) operand()   {}
func (Pattern) operand() {}
func (Nested) operand()  {}
func (Expr) operand()    {}

// Rule is one compiled predicate
type Rule struct {
	Key      string
	Operator Operator
	Operand  Operand
}

// compileRule turns one decoded rule object into a Rule
func (en *Engine) compileRule(raw any, path string) (Rule, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Rule{}, fmt.Errorf("%s: %w", path, ErrNotObject)
	}

	opName, ok := m["operator"].(string)
	if !ok {
		return Rule{}, fmt.Errorf("%s: %w: operator must be a string", path, ErrInvalidRule)
	}
	op, err := ParseOperator(opName)
	if err != nil {
		return Rule{}, fmt.Errorf("%s: %w", path, err)
	}

	r := Rule{Operator: op}

	if rawKey, present := m["key"]; present {
		key, ok := rawKey.(string)
		if !ok {
			return Rule{}, fmt.Errorf("%s: %w: key must be a string", path, ErrInvalidRule)
		}
		r.Key = key
	} else if op.needsKey() {
		return Rule{}, fmt.Errorf("%s: %w: %s requires a key", path, ErrInvalidRule, op)
	}

	value, present := m["value"]
	if !present && op.needsValue() {
		return Rule{}, fmt.Errorf("%s: %w: %s requires a value", path, ErrInvalidRule, op)
	}

	r.Operand, err = en.compileOperand(op, value, path)
	if err != nil {
		return Rule{}, err
	}
	return r, nil
}

func (en *Engine) compileOperand(op Operator, value any, path string) (Operand, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%s: %w: %s %s", path, ErrInvalidRule, op, fmt.Sprintf(format, args...))
	}

	switch op {
	case OpContains, OpStartsWith, OpEndsWith:
		if _, ok := value.(string); !ok {
			return nil, invalid("needs a string value, got %s", kind(value))
		}
		return Scalar{Value: value}, nil

	case OpMatches:
		src, ok := value.(string)
		if !ok {
			return nil, invalid("needs a string pattern, got %s", kind(value))
		}
		re, err := regexp.Compile(`^(?:` + src + `)`)
		if err != nil {
			return nil, invalid("pattern: %v", err)
		}
		return Pattern{Source: src, re: re}, nil

	case OpBetween:
		bounds, ok := value.([]any)
		if !ok || len(bounds) != 2 {
			return nil, invalid("needs a [lo, hi] pair")
		}
		return Range{Lo: bounds[0], Hi: bounds[1]}, nil

	case OpMod, OpDiv:
		n, ok := number(value)
		if !ok {
			return nil, invalid("needs a numeric value, got %s", kind(value))
		}
		if n == 0 {
			return nil, invalid("by zero")
		}
		return Scalar{Value: value}, nil

	case OpAnd, OpOr:
		list, ok := value.([]any)
		if !ok {
			return nil, invalid("needs a list of rules")
		}
		return en.compileNested(list, path)

	case OpNot:
		// a single rule, or a list read as a conjunction
		if list, ok := value.([]any); ok {
			return en.compileNested(list, path)
		}
		return en.compileNested([]any{value}, path)

	case OpIsNull, OpIsNotNull:
		return Scalar{Value: value}, nil

	case OpExpr:
		src, ok := value.(string)
		if !ok {
			return nil, invalid("needs an expression string, got %s", kind(value))
		}
		prog, err := en.program(src)
		if err != nil {
			return nil, invalid("%v", err)
		}
		return Expr{Source: src, program: prog}, nil

	default:
		return Scalar{Value: value}, nil
	}
}

func (en *Engine) compileNested(list []any, path string) (Nested, error) {
	nested := Nested{Rules: make([]Rule, 0, len(list))}
	for i, raw := range list {
		r, err := en.compileRule(raw, fmt.Sprintf("%s.value[%d]", path, i))
		if err != nil {
			return Nested{}, err
		}
		nested.Rules = append(nested.Rules, r)
	}
	return nested, nil
}
