package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/tally/internal/domain/response"
)

const (
	envPrefix  = "TALLY_"
	envConfig  = "TALLY_CONFIG"
	keyDivider = "."
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if TALLY_CONFIG is set
//  3. env (prefix TALLY_)
func Load(ctx context.Context) (*Config, error) {
	base := New()

	k := koanf.New(keyDivider)

	if path := os.Getenv(envConfig); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// TALLY_WORKER_COUNT -> worker_count. Keys stay flat so the
	// underscores match the koanf tags.
	envProvider := env.Provider(envPrefix, keyDivider, func(s string) string {
		if s == envConfig {
			return ""
		}
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	// lists from a file or env replace the defaults instead of merging into them
	for key, field := range map[string]any{
		"energy_edges":   &cfg.EnergyEdges,
		"time_edges":     &cfg.TimeEdges,
		"cosine_edges":   &cfg.CosineEdges,
		"collision_sets": &cfg.CollisionSets,
		"source_sets":    &cfg.SourceSets,
		"entities":       &cfg.Entities,
		"responses":      &cfg.Responses,
	} {
		if k.Exists(key) {
			clearSlice(field)
		}
	}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func clearSlice(p any) {
	switch v := p.(type) {
	case *[]float64:
		*v = nil
	case *[][]float64:
		*v = nil
	case *[]Entity:
		*v = nil
	case *[]response.Spec:
		*v = nil
	}
}
