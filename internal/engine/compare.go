package engine

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnknownOperator is returned for comparison operators the engine does not recognize.
var ErrUnknownOperator = errors.New("unknown operator")

// eqEpsilon is the tolerance for eq/ne comparisons.
const eqEpsilon = 0.0001

// Compare applies op to value and operand.
// Supported operators: gt/>, gte/>=, lt/<, lte/<=, eq/==, ne/!=.
func Compare(value float64, op string, operand float64) (bool, error) {
	switch op {
	case "gt", ">":
		return value > operand, nil
	case "gte", ">=":
		return value >= operand, nil
	case "lt", "<":
		return value < operand, nil
	case "lte", "<=":
		return value <= operand, nil
	case "eq", "==":
		return math.Abs(value-operand) < eqEpsilon, nil
	case "ne", "!=":
		return math.Abs(value-operand) >= eqEpsilon, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}

// symbol returns the display form of an operator.
func symbol(op string) string {
	switch op {
	case "gt":
		return ">"
	case "gte":
		return ">="
	case "lt":
		return "<"
	case "lte":
		return "<="
	case "eq":
		return "=="
	case "ne":
		return "!="
	}
	return op
}

// Confidence maps the distance between value and threshold into [0.5, 1].
// A value exactly at the threshold yields 0.5; a deviation equal to the
// threshold's magnitude (or more) yields 1.
func Confidence(value, threshold float64) float64 {
	scale := math.Max(math.Abs(threshold), 1e-6)
	return clamp(0.5+math.Abs(value-threshold)/(2*scale), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}
