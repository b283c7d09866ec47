package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// OutOfOrderPolicy controls what happens to a point whose timestamp precedes
// the vessel's most recent persisted state.
type OutOfOrderPolicy string

const (
	// OutOfOrderAppend appends the position row but skips the latest-state
	// update. This is the default.
	OutOfOrderAppend OutOfOrderPolicy = "append"
	// OutOfOrderApply updates latest-state as well, so latest-by-ingestion
	// wins regardless of source timestamps.
	OutOfOrderApply OutOfOrderPolicy = "apply"
	// OutOfOrderDiscard drops the point entirely.
	OutOfOrderDiscard OutOfOrderPolicy = "discard"
)

// DetectionConfig holds the operator-tunable detection thresholds and replay
// operating parameters. All fields are pointers so a partial JSON config file
// only overrides the values it names; the Get* accessors supply defaults.
// The schema matches the /api/config endpoint so the same JSON works for
// startup configuration and inspection.
type DetectionConfig struct {
	// TELEPORT thresholds, tiered by time gap between consecutive reports.
	TeleportSpeedKnotsShort  *float64 `json:"teleport_speed_knots_short,omitempty"`
	TeleportSpeedKnotsMedium *float64 `json:"teleport_speed_knots_medium,omitempty"`

	// TURN_RATE thresholds.
	MaxTurnRateDegPerSec      *float64 `json:"max_turn_rate_deg_per_sec,omitempty"`
	MinSpeedForTurnCheckKnots *float64 `json:"min_speed_for_turn_check_knots,omitempty"`

	// Alert deduplication window, measured in source timestamps.
	AlertCooldownSec *int `json:"alert_cooldown_sec,omitempty"`

	// Replay and ingestion tuning.
	DefaultBatchSize     *int     `json:"default_batch_size,omitempty"`
	StreamingThresholdMB *float64 `json:"streaming_threshold_mb,omitempty"`
	ChunkSize            *int     `json:"chunk_size,omitempty"`
	TrackWindowSize      *int     `json:"track_window_size,omitempty"`

	// Policy for points arriving with timestamps older than the vessel's
	// latest persisted state.
	OutOfOrder *string `json:"out_of_order_policy,omitempty"`
}

// Default returns a DetectionConfig with no overrides; every accessor will
// return its built-in default.
func Default() *DetectionConfig {
	return &DetectionConfig{}
}

// Load reads a DetectionConfig from a JSON file. Fields omitted from the file
// retain their defaults, so partial configs are safe. The loaded config is
// validated; invalid values refuse to load.
func Load(path string) (*DetectionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable. Thresholds must
// be non-negative and finite; sizes must be positive.
func (c *DetectionConfig) Validate() error {
	check := func(name string, v *float64) error {
		if v == nil {
			return nil
		}
		if *v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0) {
			return fmt.Errorf("%s must be non-negative and finite, got %f", name, *v)
		}
		return nil
	}
	if err := check("teleport_speed_knots_short", c.TeleportSpeedKnotsShort); err != nil {
		return err
	}
	if err := check("teleport_speed_knots_medium", c.TeleportSpeedKnotsMedium); err != nil {
		return err
	}
	if err := check("max_turn_rate_deg_per_sec", c.MaxTurnRateDegPerSec); err != nil {
		return err
	}
	if err := check("min_speed_for_turn_check_knots", c.MinSpeedForTurnCheckKnots); err != nil {
		return err
	}
	if err := check("streaming_threshold_mb", c.StreamingThresholdMB); err != nil {
		return err
	}

	if c.AlertCooldownSec != nil && *c.AlertCooldownSec < 0 {
		return fmt.Errorf("alert_cooldown_sec must be non-negative, got %d", *c.AlertCooldownSec)
	}
	if c.DefaultBatchSize != nil && (*c.DefaultBatchSize < 1 || *c.DefaultBatchSize > 10000) {
		return fmt.Errorf("default_batch_size must be in 1..10000, got %d", *c.DefaultBatchSize)
	}
	if c.ChunkSize != nil && *c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be positive, got %d", *c.ChunkSize)
	}
	if c.TrackWindowSize != nil && *c.TrackWindowSize < 2 {
		return fmt.Errorf("track_window_size must be at least 2, got %d", *c.TrackWindowSize)
	}
	if c.OutOfOrder != nil {
		switch OutOfOrderPolicy(*c.OutOfOrder) {
		case OutOfOrderAppend, OutOfOrderApply, OutOfOrderDiscard:
		default:
			return fmt.Errorf("out_of_order_policy must be one of append, apply, discard; got %q", *c.OutOfOrder)
		}
	}
	return nil
}

// GetTeleportSpeedKnotsShort returns the short-gap teleport threshold or the default.
func (c *DetectionConfig) GetTeleportSpeedKnotsShort() float64 {
	if c.TeleportSpeedKnotsShort == nil {
		return 60.0
	}
	return *c.TeleportSpeedKnotsShort
}

// GetTeleportSpeedKnotsMedium returns the medium-gap teleport threshold or the default.
func (c *DetectionConfig) GetTeleportSpeedKnotsMedium() float64 {
	if c.TeleportSpeedKnotsMedium == nil {
		return 100.0
	}
	return *c.TeleportSpeedKnotsMedium
}

// GetMaxTurnRateDegPerSec returns the tier-1 turn rate threshold or the default.
func (c *DetectionConfig) GetMaxTurnRateDegPerSec() float64 {
	if c.MaxTurnRateDegPerSec == nil {
		return 3.0
	}
	return *c.MaxTurnRateDegPerSec
}

// GetMinSpeedForTurnCheckKnots returns the minimum speed for the turn rate
// rule to apply at full sensitivity, or the default.
func (c *DetectionConfig) GetMinSpeedForTurnCheckKnots() float64 {
	if c.MinSpeedForTurnCheckKnots == nil {
		return 10.0
	}
	return *c.MinSpeedForTurnCheckKnots
}

// GetAlertCooldownSec returns the per-(vessel, rule) alert suppression
// interval in source-time seconds, or the default.
func (c *DetectionConfig) GetAlertCooldownSec() int {
	if c.AlertCooldownSec == nil {
		return 300
	}
	return *c.AlertCooldownSec
}

// GetDefaultBatchSize returns the replay batch size or the default.
func (c *DetectionConfig) GetDefaultBatchSize() int {
	if c.DefaultBatchSize == nil {
		return 100
	}
	return *c.DefaultBatchSize
}

// GetStreamingThresholdMB returns the file size above which the replay driver
// switches to streaming mode, or the default.
func (c *DetectionConfig) GetStreamingThresholdMB() float64 {
	if c.StreamingThresholdMB == nil {
		return 50.0
	}
	return *c.StreamingThresholdMB
}

// GetChunkSize returns the loader chunk size or the default.
func (c *DetectionConfig) GetChunkSize() int {
	if c.ChunkSize == nil {
		return 10000
	}
	return *c.ChunkSize
}

// GetTrackWindowSize returns the per-vessel track window capacity or the default.
func (c *DetectionConfig) GetTrackWindowSize() int {
	if c.TrackWindowSize == nil {
		return 5
	}
	return *c.TrackWindowSize
}

// GetOutOfOrderPolicy returns the out-of-order handling policy or the default.
func (c *DetectionConfig) GetOutOfOrderPolicy() OutOfOrderPolicy {
	if c.OutOfOrder == nil {
		return OutOfOrderAppend
	}
	return OutOfOrderPolicy(*c.OutOfOrder)
}
