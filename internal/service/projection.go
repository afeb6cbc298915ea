package service

import (
	"encoding/json"
	"fmt"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/core"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/repository"
)

// buildFlagEntry projects a flag row and its per-environment config rows
// into evaluation-ready core flags, keyed by environment ID.
func buildFlagEntry(flag repository.Flag, configs []repository.FlagConfig) (flagEntry, error) {
	variations, err := parseVariations(flag.Variations)
	if err != nil {
		return flagEntry{}, fmt.Errorf("flag %q: %w", flag.Key, err)
	}

	entry := flagEntry{configs: make(map[string]core.Flag, len(configs))}
	for _, cfg := range configs {
		projected, err := configToCore(flag, variations, cfg)
		if err != nil {
			return flagEntry{}, err
		}
		entry.configs[cfg.EnvironmentID] = projected
	}

	return entry, nil
}

func configToCore(flag repository.Flag, variations []core.Variation, cfg repository.FlagConfig) (core.Flag, error) {
	projected := core.Flag{
		Key:            flag.Key,
		Type:           flag.Type,
		On:             cfg.On,
		Variations:     variations,
		OffVariationID: cfg.OffVariation,
		Version:        cfg.Version,
	}

	if err := decodeJSONField(cfg.Fallthrough, &projected.Fallthrough); err != nil {
		return core.Flag{}, fmt.Errorf("flag %q fallthrough: %w", flag.Key, err)
	}
	if err := decodeJSONField(cfg.Targets, &projected.Targets); err != nil {
		return core.Flag{}, fmt.Errorf("flag %q targets: %w", flag.Key, err)
	}
	if err := decodeJSONField(cfg.Rules, &projected.Rules); err != nil {
		return core.Flag{}, fmt.Errorf("flag %q rules: %w", flag.Key, err)
	}
	if err := decodeJSONField(cfg.Prerequisites, &projected.Prerequisites); err != nil {
		return core.Flag{}, fmt.Errorf("flag %q prerequisites: %w", flag.Key, err)
	}

	return projected, nil
}

func segmentToCore(row repository.Segment) (core.Segment, error) {
	segment := core.Segment{Key: row.Key}

	if err := decodeJSONField(row.Rules, &segment.Rules); err != nil {
		return core.Segment{}, fmt.Errorf("segment %q rules: %w", row.Key, err)
	}
	if err := decodeJSONField(row.Included, &segment.Included); err != nil {
		return core.Segment{}, fmt.Errorf("segment %q included: %w", row.Key, err)
	}
	if err := decodeJSONField(row.Excluded, &segment.Excluded); err != nil {
		return core.Segment{}, fmt.Errorf("segment %q excluded: %w", row.Key, err)
	}

	return segment, nil
}

func parseVariations(payload json.RawMessage) ([]core.Variation, error) {
	variations := make([]core.Variation, 0)
	if len(payload) == 0 {
		return variations, nil
	}
	if err := json.Unmarshal(payload, &variations); err != nil {
		return nil, fmt.Errorf("variations: %w", err)
	}
	return variations, nil
}

func decodeJSONField(payload json.RawMessage, into any) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, into)
}
