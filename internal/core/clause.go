package core

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// semverPrefix extracts a leading MAJOR.MINOR.PATCH prefix, with an optional
// "v", from a version string. Trailing build metadata is ignored.
var semverPrefix = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)`)

// MatchClause evaluates a single clause against a context. The clause's
// ContextKind picks the sub-context it applies to; a kind the context does
// not carry yields false. A missing attribute value matches only neq; every
// other operator treats missing data as a non-match. Negate flips the
// outcome last.
func MatchClause(clause Clause, ctx Context) bool {
	matched := clauseMatchesValue(clause, ctx)
	if clause.Negate {
		return !matched
	}
	return matched
}

func clauseMatchesValue(clause Clause, ctx Context) bool {
	sub, ok := ctx.ForKind(clause.ContextKind)
	if !ok {
		return false
	}

	attrValue, present := sub.Attribute(clause.Attribute)
	if !present {
		// neq is defined as true on missing data; everything else fails.
		return clause.Op == OperatorNeq
	}

	switch clause.Op {
	case OperatorEq, OperatorIn:
		return containsValue(clause.Values, attrValue)
	case OperatorNeq:
		return !containsValue(clause.Values, attrValue)
	case OperatorContains:
		return matchString(attrValue, clause.Values, strings.Contains)
	case OperatorStartsWith:
		return matchString(attrValue, clause.Values, strings.HasPrefix)
	case OperatorEndsWith:
		return matchString(attrValue, clause.Values, strings.HasSuffix)
	case OperatorMatches:
		return matchRegex(attrValue, clause.Values)
	case OperatorGt:
		return matchNumber(attrValue, clause.Values, func(a, b float64) bool { return a > b })
	case OperatorLt:
		return matchNumber(attrValue, clause.Values, func(a, b float64) bool { return a < b })
	case OperatorGte:
		return matchNumber(attrValue, clause.Values, func(a, b float64) bool { return a >= b })
	case OperatorLte:
		return matchNumber(attrValue, clause.Values, func(a, b float64) bool { return a <= b })
	case OperatorSemverEq:
		return matchSemver(attrValue, clause.Values, func(c int) bool { return c == 0 })
	case OperatorSemverGt:
		return matchSemver(attrValue, clause.Values, func(c int) bool { return c > 0 })
	case OperatorSemverLt:
		return matchSemver(attrValue, clause.Values, func(c int) bool { return c < 0 })
	default:
		return false
	}
}

// MatchRule evaluates a targeting rule against a context. A rule referencing
// a segment delegates entirely to segment membership; otherwise all clauses
// must match. An empty clause list matches everything.
func MatchRule(rule TargetingRule, ctx Context, segments map[string]Segment) bool {
	if rule.SegmentKey != "" {
		segment, ok := segments[rule.SegmentKey]
		if !ok {
			return false
		}
		return IsInSegment(segment, ctx)
	}

	for _, clause := range rule.Clauses {
		if !MatchClause(clause, ctx) {
			return false
		}
	}
	return true
}

func containsValue(values []any, attrValue any) bool {
	for _, v := range values {
		if valuesEqual(attrValue, v) {
			return true
		}
	}
	return false
}

func matchString(attrValue any, values []any, pred func(s, substr string) bool) bool {
	s := coerceString(attrValue)
	for _, v := range values {
		if pred(s, coerceString(v)) {
			return true
		}
	}
	return false
}

func matchRegex(attrValue any, values []any) bool {
	s := coerceString(attrValue)
	for _, v := range values {
		re, err := regexp.Compile(coerceString(v))
		if err != nil {
			// Bad patterns degrade to non-match, never an error.
			continue
		}
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func matchNumber(attrValue any, values []any, pred func(a, b float64) bool) bool {
	a, ok := coerceNumber(attrValue)
	if !ok {
		return false
	}
	for _, v := range values {
		if b, ok := coerceNumber(v); ok && pred(a, b) {
			return true
		}
	}
	return false
}

func matchSemver(attrValue any, values []any, pred func(cmp int) bool) bool {
	a, ok := parseSemver(attrValue)
	if !ok {
		return false
	}
	for _, v := range values {
		if b, ok := parseSemver(v); ok && pred(a.Compare(b)) {
			return true
		}
	}
	return false
}

func parseSemver(value any) (*semver.Version, bool) {
	match := semverPrefix.FindStringSubmatch(coerceString(value))
	if match == nil {
		return nil, false
	}
	version, err := semver.NewVersion(match[1] + "." + match[2] + "." + match[3])
	if err != nil {
		return nil, false
	}
	return version, true
}

// coerceString renders scalar attribute values for the string operators.
func coerceString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case nil:
		return ""
	default:
		if n, ok := asInt64(value); ok {
			return strconv.FormatInt(n, 10)
		}
		if n, ok := asUint64(value); ok {
			return strconv.FormatUint(n, 10)
		}
		return fmt.Sprintf("%v", value)
	}
}

// coerceNumber parses attribute values permissively for the numeric
// operators: native numbers pass through and numeric strings are parsed, so
// "25" gt 18 holds.
func coerceNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		if f, ok := asFloat64(value); ok {
			return f, true
		}
		if n, ok := asInt64(value); ok {
			return float64(n), true
		}
		if n, ok := asUint64(value); ok {
			return float64(n), true
		}
		return 0, false
	}
}

// valuesEqual compares attribute and clause values exactly. Numeric values
// are equal across integer and float representations (JSON decoding yields
// float64), but there is no cross-type coercion between strings and numbers.
func valuesEqual(left any, right any) bool {
	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}

		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}

		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}

		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}

		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	return reflect.DeepEqual(left, right)
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
