package core

import "slices"

// IsInSegment determines context membership in a segment. Exclusion wins
// over everything: a key in Excluded is never a member, even when it also
// appears in Included. Otherwise explicit inclusion wins, and failing both
// lists the segment's rules are ORed — any matching rule includes the
// context.
func IsInSegment(segment Segment, ctx Context) bool {
	key := segmentKey(ctx)

	if slices.Contains(segment.Excluded, key) {
		return false
	}
	if slices.Contains(segment.Included, key) {
		return true
	}

	for _, rule := range segment.Rules {
		// Segment rules never re-enter segment resolution; a ref inside a
		// segment rule is ignored by matching only its clauses.
		if rule.SegmentKey != "" {
			continue
		}
		if MatchRule(rule, ctx, nil) {
			return true
		}
	}
	return false
}

// segmentKey picks the key the include/exclude lists are matched against:
// the default-resolved sub-context for multi-contexts, the context's own key
// otherwise.
func segmentKey(ctx Context) string {
	if sub, ok := ctx.ForKind(""); ok {
		return sub.Key
	}
	return ctx.Key
}
