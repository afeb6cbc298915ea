// Package core implements the flag evaluation engine: clause and rule
// matching, consistent-hash rollout bucketing, segment membership, and
// prerequisite resolution. Everything in this package is pure and safe for
// concurrent use; callers supply all state per call.
package core

// Context kinds with special meaning during resolution.
const (
	KindUser  = "user"
	KindMulti = "multi"
)

// Context identifies one evaluation subject (a user, device, org, ...).
// A multi-context (Kind == "multi") composes several single contexts keyed
// by kind in Contexts; clauses pick the sub-context they apply to.
type Context struct {
	Kind       string             `json:"kind"`
	Key        string             `json:"key"`
	Name       string             `json:"name,omitempty"`
	Attributes map[string]any     `json:"attributes,omitempty"`
	Contexts   map[string]Context `json:"contexts,omitempty"`
}

// IsMulti reports whether c is a multi-context.
func (c Context) IsMulti() bool {
	return c.Kind == KindMulti
}

// Valid reports whether c identifies at least one evaluation subject.
func (c Context) Valid() bool {
	if c.IsMulti() {
		for _, sub := range c.Contexts {
			if sub.Key != "" {
				return true
			}
		}
		return false
	}
	return c.Key != ""
}

// ForKind resolves the sub-context addressed by kind. A single context
// resolves to itself when kind is empty or matches its own kind. A
// multi-context resolves to the named sub-context, falling back to the
// "user" sub-context when kind is empty, and to the only present
// sub-context when "user" is absent.
func (c Context) ForKind(kind string) (Context, bool) {
	if !c.IsMulti() {
		if kind == "" || kind == c.Kind {
			return c, true
		}
		return Context{}, false
	}

	if kind != "" {
		sub, ok := c.Contexts[kind]
		return sub, ok
	}
	if sub, ok := c.Contexts[KindUser]; ok {
		return sub, true
	}
	if len(c.Contexts) == 1 {
		for _, sub := range c.Contexts {
			return sub, true
		}
	}
	return Context{}, false
}

// Attribute resolves an attribute value by name. The pseudo-attributes
// "key", "kind", and "name" address the context's identity fields; all
// other names look up Attributes. The second return reports whether the
// attribute is present.
func (c Context) Attribute(name string) (any, bool) {
	switch name {
	case "key":
		return c.Key, true
	case "kind":
		return c.Kind, true
	case "name":
		if c.Name == "" {
			return nil, false
		}
		return c.Name, true
	}
	value, ok := c.Attributes[name]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

// Variation is one possible value a flag can serve.
type Variation struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
	Name  string `json:"name,omitempty"`
}

// Operator is the closed set of clause comparison operators.
type Operator string

const (
	OperatorEq         Operator = "eq"
	OperatorNeq        Operator = "neq"
	OperatorContains   Operator = "contains"
	OperatorStartsWith Operator = "startsWith"
	OperatorEndsWith   Operator = "endsWith"
	OperatorIn         Operator = "in"
	OperatorMatches    Operator = "matches"
	OperatorGt         Operator = "gt"
	OperatorLt         Operator = "lt"
	OperatorGte        Operator = "gte"
	OperatorLte        Operator = "lte"
	OperatorSemverEq   Operator = "semverEq"
	OperatorSemverGt   Operator = "semverGt"
	OperatorSemverLt   Operator = "semverLt"
)

// ValidOperator reports whether op is one of the supported comparison
// operators.
func ValidOperator(op Operator) bool {
	switch op {
	case OperatorEq, OperatorNeq, OperatorContains, OperatorStartsWith,
		OperatorEndsWith, OperatorIn, OperatorMatches,
		OperatorGt, OperatorLt, OperatorGte, OperatorLte,
		OperatorSemverEq, OperatorSemverGt, OperatorSemverLt:
		return true
	}
	return false
}

// Clause is a single attribute comparison. ContextKind restricts the clause
// to contexts of that kind; Negate flips the final outcome.
type Clause struct {
	Attribute   string   `json:"attribute"`
	Op          Operator `json:"op"`
	Values      []any    `json:"values"`
	Negate      bool     `json:"negate,omitempty"`
	ContextKind string   `json:"contextKind,omitempty"`
}

// TargetingRule either references a segment (SegmentKey) or carries its own
// AND-combined clause list, and serves a fixed variation or a rollout.
type TargetingRule struct {
	ID          string   `json:"id"`
	Clauses     []Clause `json:"clauses,omitempty"`
	VariationID string   `json:"variationId,omitempty"`
	Rollout     *Rollout `json:"rollout,omitempty"`
	SegmentKey  string   `json:"ref,omitempty"`
	Description string   `json:"description,omitempty"`
}

// MaxBucket is the rollout weight scale: weights are integers on a
// [0, 100000] scale, five significant digits of percentage.
const MaxBucket = 100000

// WeightedVariation assigns a slice of the rollout scale to one variation.
type WeightedVariation struct {
	VariationID string `json:"variationId"`
	Weight      int    `json:"weight"`
}

// Rollout splits traffic across variations by consistent hashing. BucketBy
// names the context attribute used for bucketing; empty means "key".
type Rollout struct {
	Variations []WeightedVariation `json:"variations"`
	BucketBy   string              `json:"bucketBy,omitempty"`
}

// VariationOrRollout serves either a fixed variation or a rollout.
type VariationOrRollout struct {
	VariationID string   `json:"variationId,omitempty"`
	Rollout     *Rollout `json:"rollout,omitempty"`
}

// IndividualTarget is an explicit allow-list of context keys mapped to a
// variation, checked before any rules.
type IndividualTarget struct {
	ContextKind string   `json:"contextKind,omitempty"`
	VariationID string   `json:"variationId"`
	Values      []string `json:"values"`
}

// Prerequisite requires another flag to evaluate to a specific variation
// before this flag serves anything but its off variation.
type Prerequisite struct {
	FlagKey     string `json:"flagKey"`
	VariationID string `json:"variationId"`
}

// Flag is the read-optimized projection of a flag plus one environment
// config, the unit the flag cache stores and evicts atomically.
type Flag struct {
	Key            string             `json:"key"`
	Type           string             `json:"type"`
	On             bool               `json:"on"`
	Variations     []Variation        `json:"variations"`
	OffVariationID string             `json:"offVariationId"`
	Fallthrough    VariationOrRollout `json:"fallthrough"`
	Targets        []IndividualTarget `json:"targets,omitempty"`
	Rules          []TargetingRule    `json:"rules,omitempty"`
	Prerequisites  []Prerequisite     `json:"prerequisites,omitempty"`
	Version        int64              `json:"version"`
}

// Segment is a named, reusable group of contexts defined by explicit
// include/exclude key lists and targeting rules.
type Segment struct {
	Key      string          `json:"key"`
	Rules    []TargetingRule `json:"rules,omitempty"`
	Included []string        `json:"included,omitempty"`
	Excluded []string        `json:"excluded,omitempty"`
}

// Reason explains which branch of the evaluation state machine produced a
// result.
type Reason string

const (
	ReasonOff                Reason = "OFF"
	ReasonTargetMatch        Reason = "TARGET_MATCH"
	ReasonRuleMatch          Reason = "RULE_MATCH"
	ReasonFallthrough        Reason = "FALLTHROUGH"
	ReasonPrerequisiteFailed Reason = "PREREQUISITE_FAILED"
	ReasonError              Reason = "ERROR"
)

// Error kinds carried on Result.ErrorKind.
const (
	ErrorKindNoContext            = "NO_CONTEXT"
	ErrorKindException            = "EXCEPTION"
	ErrorKindPrerequisiteCycle    = "circular"
	ErrorKindPrerequisiteNotFound = "not found"
)

// Result is the outcome of evaluating one flag against one context.
type Result struct {
	Value       any    `json:"value"`
	VariationID string `json:"variationId"`
	Reason      Reason `json:"reason"`
	RuleIndex   *int   `json:"ruleIndex,omitempty"`
	RuleID      string `json:"ruleId,omitempty"`
	ErrorKind   string `json:"errorKind,omitempty"`
}
