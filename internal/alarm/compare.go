package alarm

import "fmt"

// Operator is applied as `metricValue <op> threshold`.
type Operator string

const (
	LessThan           Operator = "<"
	LessThanOrEqual    Operator = "<="
	GreaterThan        Operator = ">"
	GreaterThanOrEqual Operator = ">="
	Equal              Operator = "=="
)

// ParseOperator accepts the symbolic form and the CloudWatch-style names
// ("LessThanThreshold", ...).
func ParseOperator(s string) (Operator, error) {
	switch s {
	case "<", "LessThanThreshold":
		return LessThan, nil
	case "<=", "LessThanOrEqualToThreshold":
		return LessThanOrEqual, nil
	case ">", "GreaterThanThreshold":
		return GreaterThan, nil
	case ">=", "GreaterThanOrEqualToThreshold":
		return GreaterThanOrEqual, nil
	case "==", "EqualToThreshold":
		return Equal, nil
	}
	return "", fmt.Errorf("unknown comparison operator %q", s)
}

// Valid accepts only the symbolic form; Config.WithDefaults normalizes the
// named aliases before validation.
func (op Operator) Valid() bool {
	switch op {
	case LessThan, LessThanOrEqual, GreaterThan, GreaterThanOrEqual, Equal:
		return true
	}
	return false
}

// Breaches reports whether v <op> threshold holds.
func (op Operator) Breaches(v, threshold float64) bool {
	switch op {
	case LessThan:
		return v < threshold
	case LessThanOrEqual:
		return v <= threshold
	case GreaterThan:
		return v > threshold
	case GreaterThanOrEqual:
		return v >= threshold
	case Equal:
		return v == threshold
	default:
		return false
	}
}
