package core

import "slices"

// Evaluate runs the per-flag decision state machine: off short-circuit,
// context check, prerequisites, individual targets, rules in declaration
// order (first match wins), then fallthrough. It never panics out to the
// caller; an unexpected panic anywhere in the pipeline becomes a null-valued
// ERROR result.
//
// flags supplies the prerequisite flags by key and segments the referenced
// segments; both may be nil when the flag declares neither.
func Evaluate(flag Flag, ctx Context, flags map[string]Flag, segments map[string]Segment) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Reason: ReasonError, ErrorKind: ErrorKindException}
		}
	}()

	if !flag.On {
		return offResult(flag, ReasonOff, "")
	}
	if !ctx.Valid() {
		return Result{Reason: ReasonError, ErrorKind: ErrorKindNoContext}
	}

	if len(flag.Prerequisites) > 0 {
		if status := checkPrerequisites(flag, flags, ctx, segments, map[string]struct{}{}); !status.met {
			return offResult(flag, ReasonPrerequisiteFailed, status.errorKind)
		}
	}

	return evaluateBranches(flag, ctx, segments)
}

// evaluateForPrerequisite is the simplified pass used while checking
// prerequisites: targets, rules, and fallthrough, but no prerequisite check
// of its own. Keeping it a separate function (rather than a recursion-guard
// flag on Evaluate) keeps both state machines testable in isolation.
func evaluateForPrerequisite(flag Flag, ctx Context, segments map[string]Segment) Result {
	if !flag.On {
		return offResult(flag, ReasonOff, "")
	}
	if !ctx.Valid() {
		return Result{Reason: ReasonError, ErrorKind: ErrorKindNoContext}
	}
	return evaluateBranches(flag, ctx, segments)
}

func evaluateBranches(flag Flag, ctx Context, segments map[string]Segment) Result {
	for _, target := range flag.Targets {
		sub, ok := ctx.ForKind(target.ContextKind)
		if !ok {
			continue
		}
		if slices.Contains(target.Values, sub.Key) {
			return variationResult(flag, target.VariationID, ReasonTargetMatch)
		}
	}

	for index, rule := range flag.Rules {
		if !MatchRule(rule, ctx, segments) {
			continue
		}
		// First matching rule wins; later rules never override, however
		// specific they are.
		result := serve(flag, VariationOrRollout{VariationID: rule.VariationID, Rollout: rule.Rollout}, ruleContext(rule, ctx), ReasonRuleMatch)
		ruleIndex := index
		result.RuleIndex = &ruleIndex
		result.RuleID = rule.ID
		return result
	}

	fallthroughCtx, ok := ctx.ForKind("")
	if !ok {
		fallthroughCtx = ctx
	}
	return serve(flag, flag.Fallthrough, fallthroughCtx, ReasonFallthrough)
}

// ruleContext picks the sub-context a matched rule buckets with: the kind
// named by the rule's first clause, else the default resolution.
func ruleContext(rule TargetingRule, ctx Context) Context {
	kind := ""
	if len(rule.Clauses) > 0 {
		kind = rule.Clauses[0].ContextKind
	}
	if sub, ok := ctx.ForKind(kind); ok {
		return sub
	}
	if sub, ok := ctx.ForKind(""); ok {
		return sub
	}
	return ctx
}

func serve(flag Flag, vr VariationOrRollout, ctx Context, reason Reason) Result {
	if vr.Rollout != nil {
		return variationResult(flag, Bucket(flag.Key, *vr.Rollout, ctx), reason)
	}
	return variationResult(flag, vr.VariationID, reason)
}

func offResult(flag Flag, reason Reason, errorKind string) Result {
	result := variationResult(flag, flag.OffVariationID, reason)
	result.ErrorKind = errorKind
	return result
}

// variationResult resolves a variation reference to its value. A reference
// that does not resolve to a member of the flag's variations serves a null
// value rather than failing.
func variationResult(flag Flag, variationID string, reason Reason) Result {
	result := Result{VariationID: variationID, Reason: reason}
	for _, variation := range flag.Variations {
		if variation.ID == variationID {
			result.Value = variation.Value
			return result
		}
	}
	return result
}
