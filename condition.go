package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Operator compares a metadata field against a configured value.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
)

var operatorAliases = map[string]Operator{
	"=":      OpEqual,
	"==":     OpEqual,
	"eq":     OpEqual,
	"!=":     OpNotEqual,
	"≠":      OpNotEqual,
	"<>":     OpNotEqual,
	"ne":     OpNotEqual,
	">":      OpGreater,
	"gt":     OpGreater,
	"<":      OpLess,
	"lt":     OpLess,
	">=":     OpGreaterEqual,
	"≥":      OpGreaterEqual,
	"gte":    OpGreaterEqual,
	"<=":     OpLessEqual,
	"≤":      OpLessEqual,
	"lte":    OpLessEqual,
	"in":     OpIn,
	"not_in": OpNotIn,
	"nin":    OpNotIn,
}

// ParseOperator maps a textual operator, including its aliases, to an Operator.
func ParseOperator(raw string) (Operator, error) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", validationError("unknown operator", map[string]any{"operator": raw})
	}
	return op, nil
}

func (o Operator) Valid() bool {
	_, err := ParseOperator(string(o))
	return err == nil
}

// Expr is a single field/operator/value test against the metadata snapshot.
type Expr struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Evaluate tests the expression against metadata. A missing field never matches,
// except for not_in and != which hold for absent values.
func (e Expr) Evaluate(metadata Metadata) (bool, error) {
	op, err := ParseOperator(string(e.Operator))
	if err != nil {
		return false, err
	}
	actual, ok := metadata.Lookup(e.Field)
	if !ok {
		return op == OpNotEqual || op == OpNotIn, nil
	}
	switch op {
	case OpEqual:
		return valuesEqual(actual, e.Value), nil
	case OpNotEqual:
		return !valuesEqual(actual, e.Value), nil
	case OpIn, OpNotIn:
		list, ok := asList(e.Value)
		if !ok {
			return false, validationError("operator requires a list value", map[string]any{
				"field":    e.Field,
				"operator": string(op),
			})
		}
		found := false
		for _, candidate := range list {
			if valuesEqual(actual, candidate) {
				found = true
				break
			}
		}
		if op == OpIn {
			return found, nil
		}
		return !found, nil
	default:
		cmp, ok := compareValues(actual, e.Value)
		if !ok {
			return false, nil
		}
		switch op {
		case OpGreater:
			return cmp > 0, nil
		case OpLess:
			return cmp < 0, nil
		case OpGreaterEqual:
			return cmp >= 0, nil
		case OpLessEqual:
			return cmp <= 0, nil
		}
	}
	return false, nil
}

func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := toBool(b); bok {
			return ab == bb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues orders numbers numerically, timestamps chronologically and
// everything else lexically.
func compareValues(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			return at.Compare(bt), true
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	default:
		return false, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(t))
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
