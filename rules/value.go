package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Values are what encoding/json produces with UseNumber: nil, bool,
// json.Number, string, []any and map[string]any. Numbers keep their
// literal so string coercion reproduces the submitted text.

// number converts a numeric value, treating booleans as 0 and 1
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// integer returns an integral value exactly. Number literals with a
// fraction or exponent are not integers here and compare as floats.
func integer(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		s := n.String()
		if strings.ContainsAny(s, ".eE") {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case int32:
		return decimal.NewFromInt32(n), true
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0), true
	case bool:
		if n {
			return decimal.NewFromInt(1), true
		}
		return decimal.Zero, true
	default:
		return decimal.Decimal{}, false
	}
}

// exactNumber converts a numeric value for comparison. Integers are taken as
// written, other numbers as the float64 their literal reads as.
func exactNumber(v any) (decimal.Decimal, bool) {
	if d, ok := integer(v); ok {
		return d, true
	}
	f, ok := number(v)
	if !ok || math.IsInf(f, 0) || math.IsNaN(f) {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromFloat(f), true
}

// compareNumbers orders two numeric values without rounding integers
// through float64. ok is false unless both values are numeric.
func compareNumbers(a, b any) (c int, ok bool) {
	x, ok := number(a)
	if !ok {
		return 0, false
	}
	y, ok := number(b)
	if !ok {
		return 0, false
	}
	if i, ok := exactNumber(a); ok {
		if j, ok := exactNumber(b); ok {
			return i.Cmp(j), true
		}
	}
	switch {
	case x < y:
		return -1, true
	case x > y:
		return 1, true
	default:
		return 0, true
	}
}

// equal is deep equality where numbers compare by value
func equal(a, b any) bool {
	if _, ok := number(a); ok {
		c, ok := compareNumbers(a, b)
		return ok && c == 0
	}

	switch x := a.(type) {
	case nil:
		return b == nil
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, present := y[k]
			if !present || !equal(xv, yv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// compare orders two values of the same kind: numbers, strings, or lists
// (lexicographically). Anything else, including a missing value, is an error.
func compare(a, b any) (int, error) {
	if _, ok := number(a); ok {
		c, ok := compareNumbers(a, b)
		if !ok {
			return 0, incomparable(a, b)
		}
		return c, nil
	}

	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, incomparable(a, b)
		}
		return strings.Compare(x, y), nil
	case []any:
		y, ok := b.([]any)
		if !ok {
			return 0, incomparable(a, b)
		}
		for i := 0; i < len(x) && i < len(y); i++ {
			if !equal(x[i], y[i]) {
				return compare(x[i], y[i])
			}
		}
		switch {
		case len(x) < len(y):
			return -1, nil
		case len(x) > len(y):
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, incomparable(a, b)
	}
}

func incomparable(a, b any) error {
	return fmt.Errorf("%w: %s and %s", ErrIncomparable, kind(a), kind(b))
}

// member reports whether item is in container: an element of a list,
// a substring of a string, or a key of an object.
func member(container, item any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, el := range c {
			if equal(el, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("%w: substring test needs a string, got %s", ErrNotContainer, kind(item))
		}
		return strings.Contains(c, s), nil
	case map[string]any:
		switch k := item.(type) {
		case string:
			_, ok := c[k]
			return ok, nil
		case []any, map[string]any:
			return false, fmt.Errorf("%w: %s cannot be an object key", ErrNotContainer, kind(item))
		default:
			return false, nil
		}
	default:
		return false, fmt.Errorf("%w: %s", ErrNotContainer, kind(container))
	}
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64, float32, int, int64, int32, uint64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// text renders a value the way the string operators see it: strings as is,
// null as None, booleans as True/False, containers in literal notation.
func text(v any) string {
	var b strings.Builder
	writeText(&b, v, false)
	return b.String()
}

func writeText(b *strings.Builder, v any, quoted bool) {
	switch x := v.(type) {
	case nil:
		b.WriteString("None")
	case bool:
		if x {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case json.Number:
		b.WriteString(numberText(x))
	case float64:
		b.WriteString(floatText(x))
	case int:
		b.WriteString(strconv.Itoa(x))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case string:
		if quoted {
			b.WriteString(quote(x))
		} else {
			b.WriteString(x)
		}
	case []any:
		b.WriteByte('[')
		for i, el := range x {
			if i > 0 {
				b.WriteString(", ")
			}
			writeText(b, el, true)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quote(k))
			b.WriteString(": ")
			writeText(b, x[k], true)
		}
		b.WriteByte('}')
	default:
		fmt.Fprint(b, x)
	}
}

func numberText(n json.Number) string {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return s
	}
	f, err := n.Float64()
	if err != nil {
		return s
	}
	return floatText(f)
}

// floatText keeps a trailing ".0" on integral floats and switches to
// exponent form outside [1e-4, 1e16).
func floatText(f float64) string {
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	if f == math.Trunc(f) {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func quote(s string) string {
	q := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		q = '"'
	}

	var b strings.Builder
	b.WriteByte(q)
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == rune(q):
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(q)
	return b.String()
}

// plain converts json.Number values into int64 or float64 for CEL
func plain(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = plain(el)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			out[k] = plain(el)
		}
		return out
	default:
		return v
	}
}
