package rules

import "fmt"

// Operator is the closed set of rule operators
type Operator int

const (
	OpEq Operator = iota
	OpNeq
	OpGt
	OpLt
	OpGte
	OpLte
	OpContains
	OpStartsWith
	OpEndsWith
	OpMatches
	OpBefore
	OpAfter
	OpOn
	OpBetween
	OpIn
	OpNotIn
	OpIncludes
	OpExcludes
	OpAnd
	OpOr
	OpNot
	OpIsNull
	OpIsNotNull
	OpLength
	OpMod
	OpDiv
	OpExpr

	numOperators
)

var operatorNames = [numOperators]string{
	OpEq:         "eq",
	OpNeq:        "neq",
	OpGt:         "gt",
	OpLt:         "lt",
	OpGte:        "gte",
	OpLte:        "lte",
	OpContains:   "contains",
	OpStartsWith: "startswith",
	OpEndsWith:   "endswith",
	OpMatches:    "matches",
	OpBefore:     "before",
	OpAfter:      "after",
	OpOn:         "on",
	OpBetween:    "between",
	OpIn:         "in",
	OpNotIn:      "notin",
	OpIncludes:   "includes",
	OpExcludes:   "excludes",
	OpAnd:        "and",
	OpOr:         "or",
	OpNot:        "not",
	OpIsNull:     "isnull",
	OpIsNotNull:  "isnotnull",
	OpLength:     "length",
	OpMod:        "mod",
	OpDiv:        "div",
	OpExpr:       "expr",
}

var operatorsByName = func() map[string]Operator {
	m := make(map[string]Operator, numOperators)
	for op, name := range operatorNames {
		m[name] = Operator(op)
	}
	return m
}()

// ParseOperator looks up an operator by its wire name
func ParseOperator(name string) (Operator, error) {
	op, ok := operatorsByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperator, name)
	}
	return op, nil
}

func (op Operator) String() string {
	if op < 0 || op >= numOperators {
		return fmt.Sprintf("operator(%d)", int(op))
	}
	return operatorNames[op]
}

// Logical reports whether op combines nested rules
func (op Operator) Logical() bool {
	return op == OpAnd || op == OpOr || op == OpNot
}

// needsKey reports whether the rule must name the object field it reads
func (op Operator) needsKey() bool {
	return !op.Logical() && op != OpExpr
}

// needsValue reports whether the rule must carry a value
func (op Operator) needsValue() bool {
	return op != OpIsNull && op != OpIsNotNull
}
