// Package config provides configuration loading and management for xtalreduce.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/geometry"
	"xtalreduce/pkg/merge"
	"xtalreduce/pkg/peaks"
	"xtalreduce/pkg/postrefine"
	"xtalreduce/pkg/refine"
	"xtalreduce/pkg/scaling"
	"xtalreduce/pkg/symmetry"
)

// Radii holds aperture radii in pixels
type Radii struct {
	Inner float64 `yaml:"innerRadius"`
	Mid   float64 `yaml:"midRadius"`
	Outer float64 `yaml:"outerRadius"`
}

// Aperture converts the radii for the peak engine
func (r Radii) Aperture() peaks.Aperture {
	return peaks.Aperture{Inner: r.Inner, Mid: r.Mid, Outer: r.Outer}
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers is the number of crystals processed in parallel
		Workers int `yaml:"workers"`

		// Verbose prints each processing step
		Verbose bool `yaml:"verbose"`
	} `yaml:"processing"`

	// Peak search parameters
	Peaks struct {
		Threshold   float64 `yaml:"threshold"`
		MinGradient float64 `yaml:"minGradient"`
		MinSNR      float64 `yaml:"minSNR"`
		Radii       `yaml:",inline"`

		UseSaturated bool `yaml:"useSaturated"`

		// CullAligned is one of "none", "rows" or "columns" and overrides
		// the setting of every panel. Empty keeps each panel's own setting.
		CullAligned string `yaml:"cullAligned"`
	} `yaml:"peaks"`

	// Integration of predicted reflections
	Integration struct {
		Radii              `yaml:",inline"`
		MinSNR             float64 `yaml:"minSNR"`
		IntegrateSaturated bool    `yaml:"integrateSaturated"`
		SnapToPeak         bool    `yaml:"snapToPeak"`
	} `yaml:"integration"`

	// Spot prediction
	Prediction struct {
		// ProfileCutoff is in m^-1
		ProfileCutoff float64 `yaml:"profileCutoff"`

		// MaxResolution is in m^-1
		MaxResolution float64 `yaml:"maxResolution"`
	} `yaml:"prediction"`

	// Prediction refinement
	Refinement struct {
		Cycles           int     `yaml:"cycles"`
		ExcitationWeight float64 `yaml:"excitationWeight"`
		DetectorDamping  float64 `yaml:"detectorDamping"`
		CellDamping      float64 `yaml:"cellDamping"`
		MinPairs         int     `yaml:"minPairs"`
		EstimateRadius   bool    `yaml:"estimateRadius"`
	} `yaml:"refinement"`

	// Scaling and merging
	Scaling struct {
		MaxCycles     int     `yaml:"maxCycles"`
		MaxIterations int     `yaml:"maxIterations"`
		Tolerance     float64 `yaml:"tolerance"`
		MinRedundancy int     `yaml:"minRedundancy"`
		FreeFraction  float64 `yaml:"freeFraction"`
		MinPartiality float64 `yaml:"minPartiality"`

		// PointGroup is the symmetry under which reflections are merged
		PointGroup string `yaml:"pointGroup"`
	} `yaml:"scaling"`

	// Orientation post-refinement
	PostRefinement struct {
		Enabled       bool    `yaml:"enabled"`
		MaxIterations int     `yaml:"maxIterations"`
		StepDegrees   float64 `yaml:"stepDegrees"`
	} `yaml:"postRefinement"`

	// Output parameters
	Output struct {
		// ReportFile receives the JSON crystal report
		ReportFile string `yaml:"reportFile"`

		// PreviewDir receives PNG panel previews. Empty disables them.
		PreviewDir string `yaml:"previewDir"`

		// SaveIntermediaryResults also writes previews before refinement
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.Verbose = true

	search := peaks.DefaultSearchOptions()
	cfg.Peaks.Threshold = search.Threshold
	cfg.Peaks.MinGradient = search.MinGradient
	cfg.Peaks.MinSNR = search.MinSNR
	cfg.Peaks.Radii = Radii{Inner: search.Aperture.Inner, Mid: search.Aperture.Mid, Outer: search.Aperture.Outer}

	cfg.Integration.Radii = Radii{Inner: 4, Mid: 5, Outer: 7}
	cfg.Integration.SnapToPeak = true

	cfg.Prediction.ProfileCutoff = geometry.DefaultProfileCutoff
	cfg.Prediction.MaxResolution = 2.5e9

	ro := refine.DefaultOptions()
	cfg.Refinement.Cycles = ro.Cycles
	cfg.Refinement.ExcitationWeight = ro.ExcitationWeight
	cfg.Refinement.DetectorDamping = ro.DetectorDamping
	cfg.Refinement.CellDamping = ro.CellDamping
	cfg.Refinement.MinPairs = ro.MinPairs
	cfg.Refinement.EstimateRadius = true

	so := scaling.DefaultOptions()
	cfg.Scaling.MaxCycles = so.MaxCycles
	cfg.Scaling.MaxIterations = so.MaxIterations
	cfg.Scaling.Tolerance = so.Tolerance
	cfg.Scaling.MinRedundancy = so.MinRedundancy
	cfg.Scaling.FreeFraction = 0.05
	cfg.Scaling.MinPartiality = merge.DefaultMinPartiality
	cfg.Scaling.PointGroup = "-1"

	cfg.PostRefinement.Enabled = true
	cfg.PostRefinement.MaxIterations = postrefine.DefaultOptions().MaxIterations
	cfg.PostRefinement.StepDegrees = 0.01

	cfg.Output.ReportFile = "crystals.json"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks that radii are ordered and that counts and limits are
// positive.
func (cfg *Config) Validate() error {
	var errs []error
	if err := cfg.Peaks.Aperture().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("peaks: %w", err))
	}
	if err := cfg.Integration.Aperture().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("integration: %w", err))
	}
	if _, _, err := cfg.CullMode(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.PointGroup(); err != nil {
		errs = append(errs, err)
	}

	positive := []struct {
		name string
		v    float64
	}{
		{"processing.workers", float64(cfg.Processing.Workers)},
		{"prediction.profileCutoff", cfg.Prediction.ProfileCutoff},
		{"prediction.maxResolution", cfg.Prediction.MaxResolution},
		{"refinement.cycles", float64(cfg.Refinement.Cycles)},
		{"refinement.minPairs", float64(cfg.Refinement.MinPairs)},
		{"scaling.maxCycles", float64(cfg.Scaling.MaxCycles)},
		{"scaling.maxIterations", float64(cfg.Scaling.MaxIterations)},
		{"scaling.tolerance", cfg.Scaling.Tolerance},
		{"scaling.minRedundancy", float64(cfg.Scaling.MinRedundancy)},
		{"postRefinement.maxIterations", float64(cfg.PostRefinement.MaxIterations)},
		{"postRefinement.stepDegrees", cfg.PostRefinement.StepDegrees},
	}
	for _, p := range positive {
		if !(p.v > 0) {
			errs = append(errs, fmt.Errorf("%s must be positive, got %g", p.name, p.v))
		}
	}

	if f := cfg.Scaling.FreeFraction; f < 0 || f >= 1 {
		errs = append(errs, fmt.Errorf("scaling.freeFraction must be in [0,1), got %g", f))
	}
	return errors.Join(errs...)
}

// CullMode returns the panel culling mode named by peaks.cullAligned. The
// second result is false when the option is empty and the detector's own
// per-panel settings apply.
func (cfg *Config) CullMode() (models.CullMode, bool, error) {
	switch cfg.Peaks.CullAligned {
	case "":
		return models.CullNone, false, nil
	case "none":
		return models.CullNone, true, nil
	case "rows":
		return models.CullRows, true, nil
	case "columns":
		return models.CullColumns, true, nil
	}
	return models.CullNone, false, fmt.Errorf("peaks.cullAligned: unknown mode %q", cfg.Peaks.CullAligned)
}

// PointGroup returns the merging symmetry named by scaling.pointGroup
func (cfg *Config) PointGroup() (*symmetry.PointGroup, error) {
	pg, err := symmetry.Parse(cfg.Scaling.PointGroup)
	if err != nil {
		return nil, fmt.Errorf("scaling.pointGroup: %w", err)
	}
	return pg, nil
}

// SearchOptions returns the peak search settings
func (cfg *Config) SearchOptions() peaks.SearchOptions {
	return peaks.SearchOptions{
		Threshold:    cfg.Peaks.Threshold,
		MinGradient:  cfg.Peaks.MinGradient,
		MinSNR:       cfg.Peaks.MinSNR,
		Aperture:     cfg.Peaks.Aperture(),
		UseSaturated: cfg.Peaks.UseSaturated,
	}
}

// IntegrationOptions returns the reflection integration settings
func (cfg *Config) IntegrationOptions() peaks.IntegrationOptions {
	return peaks.IntegrationOptions{
		Aperture:           cfg.Integration.Aperture(),
		IntegrateSaturated: cfg.Integration.IntegrateSaturated,
		SnapToPeak:         cfg.Integration.SnapToPeak,
	}
}

// RefineOptions returns the prediction refinement settings
func (cfg *Config) RefineOptions() refine.Options {
	return refine.Options{
		Cycles:           cfg.Refinement.Cycles,
		ExcitationWeight: cfg.Refinement.ExcitationWeight,
		DetectorDamping:  cfg.Refinement.DetectorDamping,
		CellDamping:      cfg.Refinement.CellDamping,
		MinPairs:         cfg.Refinement.MinPairs,
		ProfileCutoff:    cfg.Prediction.ProfileCutoff,
	}
}

// ScalingOptions returns the scaling settings
func (cfg *Config) ScalingOptions() scaling.Options {
	return scaling.Options{
		Workers:       cfg.Processing.Workers,
		MaxCycles:     cfg.Scaling.MaxCycles,
		MaxIterations: cfg.Scaling.MaxIterations,
		Tolerance:     cfg.Scaling.Tolerance,
		MinRedundancy: cfg.Scaling.MinRedundancy,
	}
}

// PostRefineOptions returns the post-refinement settings
func (cfg *Config) PostRefineOptions() postrefine.Options {
	return postrefine.Options{
		MaxIterations: cfg.PostRefinement.MaxIterations,
		Step:          cfg.PostRefinement.StepDegrees * math.Pi / 180,
		MinRedundancy: cfg.Scaling.MinRedundancy,
		ProfileCutoff: cfg.Prediction.ProfileCutoff,
		Workers:       cfg.Processing.Workers,
		Verbose:       cfg.Processing.Verbose,
	}
}
