package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"xtalreduce/internal/models"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if cfg.Processing.Workers < 1 {
		t.Errorf("Expected at least one worker, got %d", cfg.Processing.Workers)
	}
	if got := cfg.PostRefineOptions().Step; math.Abs(got-0.01*math.Pi/180) > 1e-15 {
		t.Errorf("Post-refinement step %g rad", got)
	}
}

func TestCullMode(t *testing.T) {
	testCases := []struct {
		value string
		mode  models.CullMode
		set   bool
	}{
		{"", models.CullNone, false},
		{"none", models.CullNone, true},
		{"rows", models.CullRows, true},
		{"columns", models.CullColumns, true},
	}

	for _, tc := range testCases {
		cfg := DefaultConfig()
		cfg.Peaks.CullAligned = tc.value
		mode, set, err := cfg.CullMode()
		if err != nil || mode != tc.mode || set != tc.set {
			t.Errorf("%q: got %v, %v, %v; want %v, %v", tc.value, mode, set, err, tc.mode, tc.set)
		}
	}
}

func TestOptionsCarryPredictionSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Prediction.ProfileCutoff = 0.002e9
	cfg.Scaling.PointGroup = "m-3m"

	if got := cfg.RefineOptions().ProfileCutoff; got != 0.002e9 {
		t.Errorf("Refinement profile cutoff %g, want 2e6", got)
	}
	if got := cfg.PostRefineOptions().ProfileCutoff; got != 0.002e9 {
		t.Errorf("Post-refinement profile cutoff %g, want 2e6", got)
	}
	pg, err := cfg.PointGroup()
	if err != nil || pg.Order() != 48 {
		t.Errorf("PointGroup = %v, %v; want m-3m", pg.Name(), err)
	}
	if DefaultConfig().Scaling.PointGroup != "-1" {
		t.Errorf("Default point group should merge Friedel mates")
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Refinement.Cycles != DefaultConfig().Refinement.Cycles {
		t.Errorf("Expected default cycles, got %d", cfg.Refinement.Cycles)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Processing.Workers = 3
	cfg.Peaks.CullAligned = "rows"
	cfg.Integration.Outer = 9
	cfg.Scaling.FreeFraction = 0.1

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Reading saved config: %v", err)
	}
	// Radii are inlined into their section.
	if !strings.Contains(string(data), "outerRadius: 9") {
		t.Errorf("Saved config lacks inlined radius:\n%s", data)
	}

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got.Processing.Workers != 3 || got.Integration.Outer != 9 || got.Scaling.FreeFraction != 0.1 {
		t.Errorf("Round trip lost values: %+v", got)
	}
	if mode, set, err := got.CullMode(); err != nil || !set || mode != models.CullRows {
		t.Errorf("CullMode = %v, %v, %v; want rows", mode, set, err)
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("refinement:\n  cycles: 4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Refinement.Cycles != 4 {
		t.Errorf("Cycles %d, want 4", cfg.Refinement.Cycles)
	}
	if cfg.Scaling.MaxIterations != DefaultConfig().Scaling.MaxIterations {
		t.Errorf("Unset scaling iterations changed to %d", cfg.Scaling.MaxIterations)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"UnorderedPeakRadii", func(c *Config) { c.Peaks.Mid = 1 }, "peaks"},
		{"UnorderedIntegrationRadii", func(c *Config) { c.Integration.Outer = c.Integration.Mid }, "integration"},
		{"NoWorkers", func(c *Config) { c.Processing.Workers = 0 }, "processing.workers"},
		{"NoCycles", func(c *Config) { c.Refinement.Cycles = 0 }, "refinement.cycles"},
		{"NaNTolerance", func(c *Config) { c.Scaling.Tolerance = math.NaN() }, "scaling.tolerance"},
		{"FreeFractionOne", func(c *Config) { c.Scaling.FreeFraction = 1 }, "freeFraction"},
		{"UnknownCull", func(c *Config) { c.Peaks.CullAligned = "diagonal" }, "cullAligned"},
		{"UnknownPointGroup", func(c *Config) { c.Scaling.PointGroup = "6/mmm" }, "pointGroup"},
		{"EmptyPointGroup", func(c *Config) { c.Scaling.PointGroup = "" }, "pointGroup"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Expected an error mentioning %q", tc.errMsg)
			}
			if !strings.Contains(err.Error(), tc.errMsg) {
				t.Errorf("Error %q does not mention %q", err, tc.errMsg)
			}
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("scaling:\n  maxCycles: -1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("Expected an error for negative maxCycles")
	}
}
