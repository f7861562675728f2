// Package config defines process configuration and its loading hooks.
//
// Conventions:
// - New() returns a Config populated with defaults.
// - Load layers a YAML file and TALLY_* environment variables on top.
// - Validate reports every problem as ErrInvalidConfig.
package config

import (
	"fmt"
	"math"
	"runtime"
	"slices"
	"strings"

	"github.com/okian/tally/internal/domain/response"
)

// Reduction transports.
const (
	TransportLocal = "local"
	TransportRedis = "redis"
)

// Entity is one tally target in configuration.
type Entity struct {
	ID   uint64  `koanf:"id"`
	Norm float64 `koanf:"norm"`
}

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the record encoding: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080". Empty disables HTTP.
	Addr string `koanf:"addr"`

	// WorkerCount sets the number of history workers per rank.
	WorkerCount int `koanf:"worker_count"`

	// QueueSize bounds the in-memory history job queue.
	QueueSize int `koanf:"queue_size"`

	// LockStripes sets the number of striped slot locks in the accumulator.
	LockStripes int `koanf:"lock_stripes"`

	// HistoriesPerBatch is the number of histories each rank runs per batch.
	HistoriesPerBatch int `koanf:"histories_per_batch"`

	// Batches is the number of batches to run before exiting.
	Batches int `koanf:"batches"`

	// Seed makes runs reproducible. Ranks derive disjoint history indices.
	Seed uint64 `koanf:"seed"`

	// Bin edges per phase-space axis. An empty list disables the axis.
	EnergyEdges []float64 `koanf:"energy_edges"`
	TimeEdges   []float64 `koanf:"time_edges"`
	CosineEdges []float64 `koanf:"cosine_edges"`

	// Member sets per unordered axis: bin i counts events whose collision
	// number (or source id) is listed in set i. Empty disables the axis.
	CollisionSets [][]float64 `koanf:"collision_sets"`
	SourceSets    [][]float64 `koanf:"source_sets"`

	// Responses lists the response functions; empty means a single unity response.
	Responses []response.Spec `koanf:"responses"`

	// Entities lists the tally targets.
	Entities []Entity `koanf:"entities"`

	// Synthetic source parameters.
	Absorption    float64 `koanf:"absorption"`
	MaxCollisions int     `koanf:"max_collisions"`
	Sources       int     `koanf:"sources"`

	// Transport selects the reduction communicator: local or redis.
	Transport string `koanf:"transport"`

	// Rank, Size and Root place this process in the reduction group. With
	// the local transport all Size ranks run in this process.
	Rank int `koanf:"rank"`
	Size int `koanf:"size"`
	Root int `koanf:"root"`

	// RedisAddr and RunID configure the redis transport.
	RedisAddr string `koanf:"redis_addr"`
	RunID     string `koanf:"run_id"`

	// ReductionRetries is how many times a failed reduction is retried.
	ReductionRetries int `koanf:"reduction_retries"`

	// ReductionTimeoutMS bounds a single reduction attempt.
	ReductionTimeoutMS int `koanf:"reduction_timeout_ms"`

	// DedupeSize bounds the root's memory of applied payload ids.
	DedupeSize int `koanf:"dedupe_size"`

	// ArchiveDir stores per-batch snapshots. Empty keeps them in memory.
	ArchiveDir string `koanf:"archive_dir"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:           "info",
		LogFormat:          "text",
		Addr:               ":9080",
		WorkerCount:        runtime.NumCPU(),
		QueueSize:          4096,
		LockStripes:        1024,
		HistoriesPerBatch:  10_000,
		Batches:            10,
		Seed:               1,
		EnergyEdges:        []float64{0, 0.5, 1, 2, 4, 8, 14},
		TimeEdges:          []float64{0, 1, 2, 5, 10, 100},
		Entities:           []Entity{{ID: 1, Norm: 1}, {ID: 2, Norm: 1}},
		Absorption:         0.1,
		MaxCollisions:      64,
		Sources:            1,
		Transport:          TransportLocal,
		Size:               1,
		RedisAddr:          "127.0.0.1:6379",
		ReductionRetries:   3,
		ReductionTimeoutMS: 30_000,
		DedupeSize:         1024,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		fail("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.WorkerCount < 1 {
		fail("worker_count must be positive, got %d", c.WorkerCount)
	}
	if c.QueueSize < 1 {
		fail("queue_size must be positive, got %d", c.QueueSize)
	}
	if c.HistoriesPerBatch < 1 {
		fail("histories_per_batch must be positive, got %d", c.HistoriesPerBatch)
	}
	if c.Batches < 1 {
		fail("batches must be positive, got %d", c.Batches)
	}
	if len(c.EnergyEdges) == 0 && len(c.TimeEdges) == 0 && len(c.CosineEdges) == 0 &&
		len(c.CollisionSets) == 0 && len(c.SourceSets) == 0 {
		fail("at least one of energy_edges, time_edges, cosine_edges, collision_sets, source_sets is required")
	}
	for key, sets := range map[string][][]float64{"collision_sets": c.CollisionSets, "source_sets": c.SourceSets} {
		for i, set := range sets {
			if len(set) == 0 {
				fail("%s entry %d is empty", key, i)
			}
		}
	}
	if n := len(c.EnergyEdges); n > 0 && !(c.EnergyEdges[n-1] > 0) {
		fail("energy_edges must end above zero")
	}
	if len(c.Entities) == 0 {
		fail("entities must not be empty")
	}
	seen := make(map[uint64]bool, len(c.Entities))
	for _, e := range c.Entities {
		if seen[e.ID] {
			fail("entity %d listed twice", e.ID)
		}
		seen[e.ID] = true
		if !(e.Norm > 0) || math.IsInf(e.Norm, 0) {
			fail("entity %d norm must be positive and finite, got %g", e.ID, e.Norm)
		}
	}
	if !(c.Absorption > 0) || c.Absorption > 1 {
		fail("absorption must be in (0,1], got %g", c.Absorption)
	}
	if c.MaxCollisions < 1 {
		fail("max_collisions must be positive, got %d", c.MaxCollisions)
	}
	if c.Sources < 1 {
		fail("sources must be positive, got %d", c.Sources)
	}
	if !slices.Contains([]string{TransportLocal, TransportRedis}, c.Transport) {
		fail("transport must be %q or %q, got %q", TransportLocal, TransportRedis, c.Transport)
	}
	if c.Size < 1 {
		fail("size must be positive, got %d", c.Size)
	}
	if c.Root < 0 || c.Root >= c.Size {
		fail("root %d outside group of %d", c.Root, c.Size)
	}
	if c.Transport == TransportRedis {
		if c.Rank < 0 || c.Rank >= c.Size {
			fail("rank %d outside group of %d", c.Rank, c.Size)
		}
		if c.RedisAddr == "" {
			fail("redis_addr is required with the redis transport")
		}
		if c.RunID == "" {
			fail("run_id is required with the redis transport")
		}
	}
	if c.ReductionRetries < 0 {
		fail("reduction_retries must not be negative, got %d", c.ReductionRetries)
	}
	if c.ReductionTimeoutMS < 1 {
		fail("reduction_timeout_ms must be positive, got %d", c.ReductionTimeoutMS)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// MaxEnergy is the top of the energy grid, the source spectrum bound.
func (c *Config) MaxEnergy() float64 {
	if n := len(c.EnergyEdges); n > 0 {
		return c.EnergyEdges[n-1]
	}
	return 1
}
