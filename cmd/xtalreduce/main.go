package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/config"
	"xtalreduce/pkg/pipeline"
	"xtalreduce/pkg/simulate"
	"xtalreduce/pkg/visualization"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// crystalReport is the JSON form of one processed crystal
type crystalReport struct {
	Image         string     `json:"image"`
	Cell          string     `json:"cell"`
	Flag          string     `json:"flag"`
	Scale         float64    `json:"scale"`
	BFactor       float64    `json:"b_factor"`
	ProfileRadius float64    `json:"profile_radius"`
	DetectorShift [2]float64 `json:"detector_shift"`
	Reflections   int        `json:"reflections"`
	Notes         []string   `json:"notes,omitempty"`
}

type reflectionReport struct {
	H          int     `json:"h"`
	K          int     `json:"k"`
	L          int     `json:"l"`
	Intensity  float64 `json:"intensity"`
	Sigma      float64 `json:"sigma"`
	Redundancy int     `json:"redundancy"`
}

type report struct {
	Metrics  pipeline.Metrics   `json:"metrics"`
	Crystals []crystalReport    `json:"crystals"`
	Merged   []reflectionReport `json:"merged"`
}

func main() {
	configPath := flag.String("config", "xtalreduce.yaml", "YAML configuration file (defaults are used if missing)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	numImages := flag.Int("images", 16, "Number of images to simulate")
	seed := flag.Int64("seed", 1, "Random seed for the simulation")
	pointGroup := flag.String("point-group", "m-3m", "Point group of the simulated crystal, also used for merging (empty: from config)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: from config)")
	outputName := flag.String("output", "", "JSON report filename (default: from config)")
	previewDir := flag.String("previews", "", "Directory for final PNG previews (default: from config)")
	intermediaryDir := flag.String("intermediary-dir", "intermediary_results", "Directory to save intermediary results")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *numCores > 0 {
		cfg.Processing.Workers = *numCores
	}
	if *outputName != "" {
		cfg.Output.ReportFile = *outputName
	}
	if *previewDir != "" {
		cfg.Output.PreviewDir = *previewDir
	}

	fmt.Println("================================")
	fmt.Println("SERIAL CRYSTALLOGRAPHY DATA REDUCTION")
	fmt.Println("================================")

	simOpts := simulate.DefaultDatasetOptions()
	simOpts.NumImages = *numImages
	simOpts.Seed = *seed
	simOpts.MaxResolution = cfg.Prediction.MaxResolution
	if *pointGroup != "" {
		simOpts.PointGroup = *pointGroup
		cfg.Scaling.PointGroup = *pointGroup
	} else {
		simOpts.PointGroup = cfg.Scaling.PointGroup
	}
	ds, err := simulate.NewDataset(simOpts)
	if err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}
	fmt.Printf("Simulated %d images with %s distinct reflections\n",
		len(ds.Images), humanize.Comma(int64(len(ds.Intensities))))

	processor := pipeline.NewProcessor(&pipeline.Params{
		Config: cfg,
		Indexer: &simulate.Indexer{
			Truth:   ds.Cells,
			Angle:   0.0005,
			Stretch: 0.002,
			Rng:     rand.New(rand.NewSource(*seed + 1)),
		},
		IntermediaryDir: *intermediaryDir,
	})

	startTime := time.Now()
	if err := processor.Process(ds.Images); err != nil {
		log.Fatalf("Processing failed: %v", err)
	}
	processingTime := time.Since(startTime)

	metrics := processor.GetMetrics()
	fmt.Printf("\nProcessing completed in %.2f seconds using %d workers\n", processingTime.Seconds(), cfg.Processing.Workers)
	fmt.Printf("Indexed: %d of %d images\n", metrics.Indexed, metrics.Images)
	fmt.Printf("Peaks found: %s\n", humanize.Comma(int64(metrics.Peaks)))
	fmt.Printf("Reflections integrated: %s\n", humanize.Comma(int64(metrics.Integrated)))
	fmt.Printf("Scaling: %d iterations, log residual %e, converged %v\n",
		metrics.Scaling.Iterations, metrics.Scaling.Residual, metrics.Scaling.Converged)
	fmt.Printf("Post-refined crystals: %d\n", metrics.PostRefined)
	fmt.Printf("Unique reflections: %s, mean redundancy %.2f\n",
		humanize.Comma(int64(metrics.Unique)), metrics.MeanRedundancy)

	if err := writeReport(cfg.Output.ReportFile, processor); err != nil {
		log.Fatalf("Failed to write report: %v", err)
	}
	fmt.Printf("Report saved to: %s\n", cfg.Output.ReportFile)

	if cfg.Output.PreviewDir != "" {
		fmt.Printf("Saving previews to: %s\n", cfg.Output.PreviewDir)
		for i, cr := range processor.Crystals() {
			viewer := visualization.NewViewer(cr.Image, cr.Reflections)
			if err := viewer.SavePanelSequence(cfg.Output.PreviewDir, previewName(cr.Image, i)); err != nil {
				log.Printf("Warning: Failed to save preview for crystal %d: %v", i, err)
			}
		}
	}

	if cfg.Output.SaveIntermediaryResults {
		fmt.Println("\nIntermediary results saved to:")
		fmt.Printf("%s\n", *intermediaryDir)
		fmt.Println("- 01_peaks: Panels with found peaks")
		fmt.Println("- 02_predictions: Panels with refined predictions")
	}
}

func previewName(img *models.Image, i int) string {
	if img.Filename != "" {
		return img.Filename
	}
	return fmt.Sprintf("%03d", i)
}

func writeReport(path string, p *pipeline.Processor) error {
	rep := report{Metrics: p.GetMetrics()}
	for i, cr := range p.Crystals() {
		rep.Crystals = append(rep.Crystals, crystalReport{
			Image:         previewName(cr.Image, i),
			Cell:          cr.Cell.String(),
			Flag:          cr.Flag.String(),
			Scale:         cr.OSF,
			BFactor:       cr.Bfac,
			ProfileRadius: cr.ProfileRadius,
			DetectorShift: [2]float64{cr.ShiftX, cr.ShiftY},
			Reflections:   cr.Reflections.Len(),
			Notes:         cr.Notes,
		})
	}
	for _, r := range p.Merged().Sorted() {
		rep.Merged = append(rep.Merged, reflectionReport{
			H: r.H, K: r.K, L: r.L,
			Intensity:  r.Intensity,
			Sigma:      r.Sigma,
			Redundancy: r.Redundancy,
		})
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating report directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
