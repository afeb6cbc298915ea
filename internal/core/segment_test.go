package core

import "testing"

func TestIsInSegment(t *testing.T) {
	tests := []struct {
		name    string
		segment Segment
		ctx     Context
		want    bool
	}{
		{
			name:    "included key is a member",
			segment: Segment{Key: "beta", Included: []string{"u1"}},
			ctx:     Context{Kind: "user", Key: "u1"},
			want:    true,
		},
		{
			name:    "excluded key is not a member",
			segment: Segment{Key: "beta", Excluded: []string{"u1"}},
			ctx:     Context{Kind: "user", Key: "u1"},
			want:    false,
		},
		{
			name: "exclusion wins over inclusion",
			segment: Segment{
				Key:      "beta",
				Included: []string{"u1"},
				Excluded: []string{"u1"},
			},
			ctx:  Context{Kind: "user", Key: "u1"},
			want: false,
		},
		{
			name: "exclusion wins over matching rules",
			segment: Segment{
				Key:      "beta",
				Excluded: []string{"u1"},
				Rules: []TargetingRule{
					{Clauses: []Clause{{Attribute: "key", Op: OperatorEq, Values: []any{"u1"}}}},
				},
			},
			ctx:  Context{Kind: "user", Key: "u1"},
			want: false,
		},
		{
			name: "rules are ORed",
			segment: Segment{
				Key: "beta",
				Rules: []TargetingRule{
					{Clauses: []Clause{{Attribute: "country", Op: OperatorEq, Values: []any{"GB"}}}},
					{Clauses: []Clause{{Attribute: "plan", Op: OperatorEq, Values: []any{"pro"}}}},
				},
			},
			ctx:  Context{Kind: "user", Key: "u2", Attributes: map[string]any{"country": "US", "plan": "pro"}},
			want: true,
		},
		{
			name: "no list and no rule matches",
			segment: Segment{
				Key:   "beta",
				Rules: []TargetingRule{{Clauses: []Clause{{Attribute: "plan", Op: OperatorEq, Values: []any{"pro"}}}}},
			},
			ctx:  Context{Kind: "user", Key: "u3", Attributes: map[string]any{"plan": "free"}},
			want: false,
		},
		{
			name:    "multi-context matches default sub-context key",
			segment: Segment{Key: "beta", Included: []string{"u1"}},
			ctx: Context{Kind: KindMulti, Contexts: map[string]Context{
				"user": {Kind: "user", Key: "u1"},
				"org":  {Kind: "org", Key: "acme"},
			}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsInSegment(tt.segment, tt.ctx); got != tt.want {
				t.Fatalf("IsInSegment() = %t, want %t", got, tt.want)
			}
		})
	}
}
