// Package flagdelivery provides client interfaces and domain types for the
// flag delivery service.
//
// Use the http sub-package to create a client:
//
//	import fdhttp "github.com/TzachiGitHub/feature-flag-service-sub000/clients/go/http"
package flagdelivery

import (
	"context"
	"time"
)

// Evaluator resolves flags for an evaluation context on the server.
type Evaluator interface {
	Evaluate(ctx context.Context, flagKey string, evalCtx Context) (Result, error)
	EvaluateAll(ctx context.Context, evalCtx Context) (map[string]Result, error)
}

// FlagFetcher retrieves raw flag definitions for client-side evaluation.
type FlagFetcher interface {
	Flags(ctx context.Context) (map[string]Flag, error)
}

// Streamer delivers real-time flag updates. The returned channel is closed
// when ctx is cancelled; transient disconnects are retried internally.
type Streamer interface {
	Stream(ctx context.Context) (<-chan Event, error)
}

// EventReporter ships evaluation analytics back to the server.
type EventReporter interface {
	SendEvents(ctx context.Context, events []AnalyticsEvent) error
}

// Context identifies who a flag is being evaluated for.
type Context struct {
	Kind       string             `json:"kind"`
	Key        string             `json:"key"`
	Name       string             `json:"name,omitempty"`
	Attributes map[string]any     `json:"attributes,omitempty"`
	Contexts   map[string]Context `json:"contexts,omitempty"`
}

// Variation is one possible value a flag can serve.
type Variation struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
	Name  string `json:"name,omitempty"`
}

// Clause is one condition of a targeting rule.
type Clause struct {
	Attribute   string `json:"attribute"`
	Op          string `json:"op"`
	Values      []any  `json:"values"`
	Negate      bool   `json:"negate,omitempty"`
	ContextKind string `json:"contextKind,omitempty"`
}

// WeightedVariation is one slice of a percentage rollout, weighted out of
// 100000.
type WeightedVariation struct {
	VariationID string `json:"variationId"`
	Weight      int    `json:"weight"`
}

// Rollout splits traffic across variations by weight.
type Rollout struct {
	Variations []WeightedVariation `json:"variations"`
	BucketBy   string              `json:"bucketBy,omitempty"`
}

// VariationOrRollout serves either a fixed variation or a rollout.
type VariationOrRollout struct {
	VariationID string   `json:"variationId,omitempty"`
	Rollout     *Rollout `json:"rollout,omitempty"`
}

// TargetingRule matches contexts by clauses or by segment reference.
type TargetingRule struct {
	ID          string   `json:"id"`
	Clauses     []Clause `json:"clauses,omitempty"`
	VariationID string   `json:"variationId,omitempty"`
	Rollout     *Rollout `json:"rollout,omitempty"`
	SegmentKey  string   `json:"ref,omitempty"`
	Description string   `json:"description,omitempty"`
}

// IndividualTarget pins specific context keys to a variation.
type IndividualTarget struct {
	ContextKind string   `json:"contextKind,omitempty"`
	VariationID string   `json:"variationId"`
	Values      []string `json:"values"`
}

// Prerequisite requires another flag to serve a specific variation first.
type Prerequisite struct {
	FlagKey     string `json:"flagKey"`
	VariationID string `json:"variationId"`
}

// Flag is a raw flag definition as served by the flags endpoint, complete
// enough for client-side evaluation.
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

// Result is the outcome of evaluating one flag for one context.
type Result struct {
	Value       any    `json:"value"`
	VariationID string `json:"variationId"`
	Reason      string `json:"reason"`
	RuleIndex   *int   `json:"ruleIndex,omitempty"`
	RuleID      string `json:"ruleId,omitempty"`
	ErrorKind   string `json:"errorKind,omitempty"`
}

// Event types delivered on the stream.
const (
	EventPut   = "put"
	EventPatch = "patch"
)

// Event is one message from the streaming endpoint. Put events carry the
// full flag set; patch events carry a single updated flag.
type Event struct {
	Type  string          `json:"type"`
	Flag  *Flag           `json:"flag,omitempty"`
	Flags map[string]Flag `json:"flags,omitempty"`
}

// Event kinds accepted by the events endpoint.
const (
	EventKindEvaluation = "evaluation"
	EventKindCustom     = "custom"
)

// AnalyticsEvent is one event reported to the server: an evaluation record,
// or a custom event named by Key with an optional free-form Data payload.
type AnalyticsEvent struct {
	Kind        string     `json:"kind,omitempty"`
	FlagKey     string     `json:"flagKey,omitempty"`
	Key         string     `json:"key,omitempty"`
	VariationID string     `json:"variationId,omitempty"`
	ContextKey  string     `json:"contextKey,omitempty"`
	ContextKind string     `json:"contextKind,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Value       any        `json:"value,omitempty"`
	Data        any        `json:"data,omitempty"`
	OccurredAt  *time.Time `json:"occurredAt,omitempty"`
}
