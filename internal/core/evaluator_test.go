package core

import (
	"reflect"
	"testing"
)

func boolFlag(key string, on bool) Flag {
	return Flag{
		Key:  key,
		Type: "boolean",
		On:   on,
		Variations: []Variation{
			{ID: "v-true", Value: true, Name: "On"},
			{ID: "v-false", Value: false, Name: "Off"},
		},
		OffVariationID: "v-false",
		Fallthrough:    VariationOrRollout{VariationID: "v-true"},
	}
}

func TestEvaluateOffFlag(t *testing.T) {
	flag := boolFlag("dark-mode", false)
	flag.Targets = []IndividualTarget{{VariationID: "v-true", Values: []string{"u1"}}}
	flag.Rules = []TargetingRule{{ID: "r1", Clauses: nil, VariationID: "v-true"}}

	got := Evaluate(flag, Context{Kind: "user", Key: "u1"}, nil, nil)
	if got.Reason != ReasonOff {
		t.Fatalf("Reason = %q, want %q", got.Reason, ReasonOff)
	}
	if got.VariationID != "v-false" {
		t.Fatalf("VariationID = %q, want off variation regardless of targets and rules", got.VariationID)
	}
	if got.Value != false {
		t.Fatalf("Value = %v, want false", got.Value)
	}
}

func TestEvaluateNoContext(t *testing.T) {
	flag := boolFlag("dark-mode", true)

	got := Evaluate(flag, Context{}, nil, nil)
	if got.Reason != ReasonError || got.ErrorKind != ErrorKindNoContext {
		t.Fatalf("got %+v, want ERROR/NO_CONTEXT", got)
	}

	emptyMulti := Context{Kind: KindMulti}
	got = Evaluate(flag, emptyMulti, nil, nil)
	if got.Reason != ReasonError || got.ErrorKind != ErrorKindNoContext {
		t.Fatalf("got %+v, want ERROR/NO_CONTEXT for an empty multi-context", got)
	}
}

func TestEvaluateTargetsBeforeRules(t *testing.T) {
	flag := boolFlag("early-access", true)
	flag.Targets = []IndividualTarget{{VariationID: "v-false", Values: []string{"u1"}}}
	flag.Rules = []TargetingRule{{
		ID:          "r1",
		Clauses:     []Clause{{Attribute: "key", Op: OperatorEq, Values: []any{"u1"}}},
		VariationID: "v-true",
	}}

	got := Evaluate(flag, Context{Kind: "user", Key: "u1"}, nil, nil)
	if got.Reason != ReasonTargetMatch || got.VariationID != "v-false" {
		t.Fatalf("got %+v, want TARGET_MATCH serving v-false before rules run", got)
	}
}

func TestEvaluateTargetOrder(t *testing.T) {
	flag := boolFlag("ordered", true)
	flag.Targets = []IndividualTarget{
		{VariationID: "v-true", Values: []string{"u2"}},
		{VariationID: "v-false", Values: []string{"u1", "u2"}},
	}

	got := Evaluate(flag, Context{Kind: "user", Key: "u2"}, nil, nil)
	if got.VariationID != "v-true" {
		t.Fatalf("VariationID = %q, want first declared target to win", got.VariationID)
	}
}

func TestEvaluateFirstRuleWins(t *testing.T) {
	flag := boolFlag("ranked-rules", true)
	flag.Rules = []TargetingRule{
		{ID: "broad", Clauses: []Clause{{Attribute: "country", Op: OperatorEq, Values: []any{"US"}}}, VariationID: "v-true"},
		{ID: "specific", Clauses: []Clause{
			{Attribute: "country", Op: OperatorEq, Values: []any{"US"}},
			{Attribute: "plan", Op: OperatorEq, Values: []any{"pro"}},
		}, VariationID: "v-false"},
	}

	ctx := Context{Kind: "user", Key: "u1", Attributes: map[string]any{"country": "US", "plan": "pro"}}
	got := Evaluate(flag, ctx, nil, nil)
	if got.Reason != ReasonRuleMatch || got.RuleID != "broad" {
		t.Fatalf("got %+v, want the earlier-declared rule even when a later one is more specific", got)
	}
	if got.RuleIndex == nil || *got.RuleIndex != 0 {
		t.Fatalf("RuleIndex = %v, want 0", got.RuleIndex)
	}
}

func TestEvaluateRuleAndFallthroughScenario(t *testing.T) {
	flag := boolFlag("f1", true)
	flag.Variations = []Variation{
		{ID: "v-us", Value: "us-experience"},
		{ID: "v-default", Value: "default-experience"},
	}
	flag.OffVariationID = "v-default"
	flag.Fallthrough = VariationOrRollout{VariationID: "v-default"}
	flag.Rules = []TargetingRule{{
		ID:          "us-rule",
		Clauses:     []Clause{{Attribute: "country", Op: OperatorEq, Values: []any{"US"}}},
		VariationID: "v-us",
	}}

	got := Evaluate(flag, Context{Kind: "user", Key: "u1", Attributes: map[string]any{"country": "US"}}, nil, nil)
	if got.VariationID != "v-us" || got.Reason != ReasonRuleMatch || got.RuleIndex == nil || *got.RuleIndex != 0 {
		t.Fatalf("US context: got %+v, want v-us via RULE_MATCH at index 0", got)
	}

	got = Evaluate(flag, Context{Kind: "user", Key: "u1", Attributes: map[string]any{"country": "UK"}}, nil, nil)
	if got.VariationID != "v-default" || got.Reason != ReasonFallthrough {
		t.Fatalf("UK context: got %+v, want v-default via FALLTHROUGH", got)
	}
}

func TestEvaluateRuleRollout(t *testing.T) {
	flag := boolFlag("rollout-rule", true)
	flag.Rules = []TargetingRule{{
		ID:      "all-us",
		Clauses: []Clause{{Attribute: "country", Op: OperatorEq, Values: []any{"US"}}},
		Rollout: &Rollout{Variations: []WeightedVariation{
			{VariationID: "v-true", Weight: 50000},
			{VariationID: "v-false", Weight: 50000},
		}},
	}}

	ctx := Context{Kind: "user", Key: "u9", Attributes: map[string]any{"country": "US"}}
	first := Evaluate(flag, ctx, nil, nil)
	if first.Reason != ReasonRuleMatch {
		t.Fatalf("Reason = %q, want RULE_MATCH", first.Reason)
	}
	for i := 0; i < 20; i++ {
		if got := Evaluate(flag, ctx, nil, nil); got.VariationID != first.VariationID {
			t.Fatalf("rollout variation changed between evaluations: %q then %q", first.VariationID, got.VariationID)
		}
	}
}

func TestEvaluateFallthroughRollout(t *testing.T) {
	flag := boolFlag("rollout-fallthrough", true)
	flag.Fallthrough = VariationOrRollout{Rollout: &Rollout{Variations: []WeightedVariation{
		{VariationID: "v-true", Weight: 100000},
	}}}

	got := Evaluate(flag, Context{Kind: "user", Key: "u1"}, nil, nil)
	if got.Reason != ReasonFallthrough || got.VariationID != "v-true" {
		t.Fatalf("got %+v, want v-true via FALLTHROUGH rollout", got)
	}
}

func TestEvaluateDanglingVariationServesNull(t *testing.T) {
	flag := boolFlag("dangling", true)
	flag.Fallthrough = VariationOrRollout{VariationID: "v-gone"}

	got := Evaluate(flag, Context{Kind: "user", Key: "u1"}, nil, nil)
	if got.Value != nil {
		t.Fatalf("Value = %v, want nil for an unresolvable variation reference", got.Value)
	}
	if got.VariationID != "v-gone" || got.Reason != ReasonFallthrough {
		t.Fatalf("got %+v, want the dangling reference carried through", got)
	}
}

func TestEvaluatePrerequisites(t *testing.T) {
	parent := boolFlag("parent", true)
	child := boolFlag("child", true)
	child.Prerequisites = []Prerequisite{{FlagKey: "parent", VariationID: "v-true"}}

	ctx := Context{Kind: "user", Key: "u1"}

	t.Run("met prerequisite evaluates normally", func(t *testing.T) {
		flags := map[string]Flag{"parent": parent, "child": child}
		got := Evaluate(child, ctx, flags, nil)
		if got.Reason != ReasonFallthrough || got.VariationID != "v-true" {
			t.Fatalf("got %+v, want normal FALLTHROUGH when the prerequisite is met", got)
		}
	})

	t.Run("off prerequisite fails the check", func(t *testing.T) {
		offParent := boolFlag("parent", false)
		flags := map[string]Flag{"parent": offParent, "child": child}
		got := Evaluate(child, ctx, flags, nil)
		if got.Reason != ReasonPrerequisiteFailed || got.VariationID != "v-false" {
			t.Fatalf("got %+v, want PREREQUISITE_FAILED serving the off variation", got)
		}
	})

	t.Run("wrong variation fails the check", func(t *testing.T) {
		wrongChild := child
		wrongChild.Prerequisites = []Prerequisite{{FlagKey: "parent", VariationID: "v-false"}}
		flags := map[string]Flag{"parent": parent, "child": wrongChild}
		got := Evaluate(wrongChild, ctx, flags, nil)
		if got.Reason != ReasonPrerequisiteFailed {
			t.Fatalf("Reason = %q, want PREREQUISITE_FAILED", got.Reason)
		}
	})

	t.Run("missing prerequisite flag", func(t *testing.T) {
		flags := map[string]Flag{"child": child}
		got := Evaluate(child, ctx, flags, nil)
		if got.Reason != ReasonPrerequisiteFailed || got.ErrorKind != ErrorKindPrerequisiteNotFound {
			t.Fatalf("got %+v, want PREREQUISITE_FAILED with a not-found error kind", got)
		}
	})

	t.Run("two-flag cycle resolves for both flags", func(t *testing.T) {
		flagA := boolFlag("flag-a", true)
		flagA.Prerequisites = []Prerequisite{{FlagKey: "flag-b", VariationID: "v-true"}}
		flagB := boolFlag("flag-b", true)
		flagB.Prerequisites = []Prerequisite{{FlagKey: "flag-a", VariationID: "v-true"}}
		flags := map[string]Flag{"flag-a": flagA, "flag-b": flagB}

		for _, flag := range []Flag{flagA, flagB} {
			got := Evaluate(flag, ctx, flags, nil)
			if got.Reason != ReasonPrerequisiteFailed || got.ErrorKind != ErrorKindPrerequisiteCycle {
				t.Fatalf("flag %q: got %+v, want PREREQUISITE_FAILED/circular", flag.Key, got)
			}
		}
	})

	t.Run("self cycle", func(t *testing.T) {
		selfish := boolFlag("selfish", true)
		selfish.Prerequisites = []Prerequisite{{FlagKey: "selfish", VariationID: "v-true"}}
		flags := map[string]Flag{"selfish": selfish}

		got := Evaluate(selfish, ctx, flags, nil)
		if got.Reason != ReasonPrerequisiteFailed || got.ErrorKind != ErrorKindPrerequisiteCycle {
			t.Fatalf("got %+v, want PREREQUISITE_FAILED/circular", got)
		}
	})

	t.Run("deep chain checked prerequisite-first", func(t *testing.T) {
		top := boolFlag("top", true)
		mid := boolFlag("mid", true)
		mid.Prerequisites = []Prerequisite{{FlagKey: "top", VariationID: "v-true"}}
		leaf := boolFlag("leaf", true)
		leaf.Prerequisites = []Prerequisite{{FlagKey: "mid", VariationID: "v-true"}}
		offTop := boolFlag("top", false)

		flags := map[string]Flag{"top": top, "mid": mid, "leaf": leaf}
		if got := Evaluate(leaf, ctx, flags, nil); got.Reason != ReasonFallthrough {
			t.Fatalf("healthy chain: got %+v, want FALLTHROUGH", got)
		}

		flags["top"] = offTop
		if got := Evaluate(leaf, ctx, flags, nil); got.Reason != ReasonPrerequisiteFailed {
			t.Fatalf("broken chain root: got %+v, want PREREQUISITE_FAILED", got)
		}
	})
}

func TestEvaluateSegmentRule(t *testing.T) {
	flag := boolFlag("segmented", true)
	flag.Rules = []TargetingRule{{ID: "beta-rule", SegmentKey: "beta", VariationID: "v-true"}}
	flag.Fallthrough = VariationOrRollout{VariationID: "v-false"}
	segments := map[string]Segment{
		"beta": {Key: "beta", Included: []string{"u1"}, Excluded: []string{"u2"}},
	}

	got := Evaluate(flag, Context{Kind: "user", Key: "u1"}, nil, segments)
	if got.Reason != ReasonRuleMatch || got.VariationID != "v-true" {
		t.Fatalf("included key: got %+v, want RULE_MATCH v-true", got)
	}

	got = Evaluate(flag, Context{Kind: "user", Key: "u2"}, nil, segments)
	if got.Reason != ReasonFallthrough || got.VariationID != "v-false" {
		t.Fatalf("excluded key: got %+v, want FALLTHROUGH v-false", got)
	}
}

func TestEvaluateResultShape(t *testing.T) {
	flag := boolFlag("shape", true)
	got := Evaluate(flag, Context{Kind: "user", Key: "u1"}, nil, nil)
	want := Result{Value: true, VariationID: "v-true", Reason: ReasonFallthrough}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Evaluate() = %+v, want %+v", got, want)
	}
}
