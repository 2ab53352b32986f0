// Package config handles sphere and driver configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalid is returned by Validate for inconsistent settings.
var ErrInvalid = errors.New("invalid config")

// Config holds all settings.
type Config struct {
	Sphere     SphereConfig     `yaml:"sphere"`
	Build      BuildConfig      `yaml:"build"`
	Simulation SimulationConfig `yaml:"simulation"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SphereConfig is the read-only sphere snapshot passed to builds and the scheduler.
type SphereConfig struct {
	Radius    float64 `yaml:"radius"`
	MinRadius float64 `yaml:"min_radius"`
	MaxRadius float64 `yaml:"max_radius"`

	MinLevel int `yaml:"min_level"`
	MaxLevel int `yaml:"max_level"`

	// Per-level distance thresholds. Missing levels are derived from Radius.
	SubdivideThresholds []float64 `yaml:"subdivide_thresholds"`
	CollapseThresholds  []float64 `yaml:"collapse_thresholds"`

	// SubdivideFactor scales derived subdivide thresholds: radius * factor / 2^level.
	SubdivideFactor float64 `yaml:"subdivide_factor"`
	// CollapseHysteresis multiplies the subdivide threshold for derived collapse thresholds.
	CollapseHysteresis float64 `yaml:"collapse_hysteresis"`

	VisibleRadius float64       `yaml:"visible_radius"`
	FrameBudget   time.Duration `yaml:"frame_budget"`

	// SideLength is the vertex count along one quad edge; must be 2^k+1.
	SideLength      int  `yaml:"side_length"`
	SurfaceRelative bool `yaml:"surface_relative"`
	CustomNormals   bool `yaml:"custom_normals"`
}

// BuildConfig holds build pipeline and scheduler tuning.
type BuildConfig struct {
	Workers     int  `yaml:"workers"`
	InitRetries int  `yaml:"init_retries"`
	ForceLegacy bool `yaml:"force_legacy"`
}

// SimulationConfig drives the headless camera descent in cmd/quadsphere.
type SimulationConfig struct {
	Frames        int     `yaml:"frames"`
	StartAltitude float64 `yaml:"start_altitude"`
	EndAltitude   float64 `yaml:"end_altitude"`
	HeightMap     string  `yaml:"height_map"`
	HeightScale   float64 `yaml:"height_scale"`
	NoiseSeed     int64   `yaml:"noise_seed"`
}

// MetricsConfig holds the prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// SnapshotConfig holds snapshot output settings.
type SnapshotConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
	// Components overrides the level per logger name segment, e.g. stitch: debug.
	Components map[string]string `yaml:"components"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Sphere: SphereConfig{
			Radius:             600000,
			MinRadius:          595000,
			MaxRadius:          612000,
			MinLevel:           1,
			MaxLevel:           8,
			SubdivideFactor:    3,
			CollapseHysteresis: 1.25,
			VisibleRadius:      2400000,
			FrameBudget:        8 * time.Millisecond,
			SideLength:         17,
			SurfaceRelative:    true,
		},
		Build: BuildConfig{
			Workers:     4,
			InitRetries: 16,
		},
		Simulation: SimulationConfig{
			Frames:        120,
			StartAltitude: 1200000,
			EndAltitude:   2000,
			HeightScale:   6000,
			NoiseSeed:     1,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}

// SubdivideThreshold returns the camera distance below which a quad at level subdivides.
func (s SphereConfig) SubdivideThreshold(level int) float64 {
	if level >= 0 && level < len(s.SubdivideThresholds) {
		return s.SubdivideThresholds[level]
	}
	factor := s.SubdivideFactor
	if factor <= 0 {
		factor = 3
	}
	return s.Radius * factor / math.Exp2(float64(level))
}

// CollapseThreshold returns the camera distance above which a quad at level collapses.
func (s SphereConfig) CollapseThreshold(level int) float64 {
	if level >= 0 && level < len(s.CollapseThresholds) {
		return s.CollapseThresholds[level]
	}
	h := s.CollapseHysteresis
	if h < 1 {
		h = 1
	}
	return s.SubdivideThreshold(level) * h
}

// VertexCount returns the number of vertices in one quad.
func (s SphereConfig) VertexCount() int {
	return s.SideLength * s.SideLength
}

// Validate reports settings the engine cannot run with.
func (s SphereConfig) Validate() error {
	if s.Radius <= 0 {
		return fmt.Errorf("%w: radius must be positive, got %v", ErrInvalid, s.Radius)
	}
	if s.MinRadius > s.Radius || (s.MaxRadius != 0 && s.MaxRadius < s.Radius) {
		return fmt.Errorf("%w: radius %v outside [%v, %v]", ErrInvalid, s.Radius, s.MinRadius, s.MaxRadius)
	}
	if s.MinLevel < 0 || s.MaxLevel < s.MinLevel {
		return fmt.Errorf("%w: levels [%d, %d]", ErrInvalid, s.MinLevel, s.MaxLevel)
	}
	if s.SideLength < 3 || (s.SideLength-1)&(s.SideLength-2) != 0 {
		return fmt.Errorf("%w: side_length %d is not 2^k+1", ErrInvalid, s.SideLength)
	}
	for level := 0; level <= s.MaxLevel; level++ {
		if s.CollapseThreshold(level) < s.SubdivideThreshold(level) {
			return fmt.Errorf("%w: collapse threshold below subdivide threshold at level %d", ErrInvalid, level)
		}
	}
	if s.FrameBudget < 0 {
		return fmt.Errorf("%w: negative frame budget", ErrInvalid)
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Sphere.Validate(); err != nil {
		return err
	}
	if c.Build.Workers < 1 {
		return fmt.Errorf("%w: build.workers must be at least 1", ErrInvalid)
	}
	return nil
}
