// Package pipeline drives the reduction of a set of diffraction images to
// scaled, merged intensities: peak search, indexing, prediction refinement,
// integration, scaling and post-refinement.
package pipeline

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/cell"
	"xtalreduce/pkg/config"
	"xtalreduce/pkg/geometry"
	"xtalreduce/pkg/merge"
	"xtalreduce/pkg/peaks"
	"xtalreduce/pkg/postrefine"
	"xtalreduce/pkg/refine"
	"xtalreduce/pkg/reflist"
	"xtalreduce/pkg/scaling"
	"xtalreduce/pkg/symmetry"
	"xtalreduce/pkg/visualization"
	"xtalreduce/pkg/workpool"
)

// ErrNotIndexed is returned for an image on which no candidate cell survived
var ErrNotIndexed = errors.New("pipeline: image could not be indexed")

// Indexer proposes candidate cells for an image from its peak list. Calls
// are serialised, so implementations need not be safe for concurrent use.
type Indexer interface {
	Index(img *models.Image) ([]*cell.UnitCell, error)
}

// Params holds the processing parameters
type Params struct {
	// Config supplies every engine setting
	Config *config.Config

	// Indexer provides the initial orientations
	Indexer Indexer

	// Logger receives warnings and summaries. Nil means log.Default().
	Logger *log.Logger

	// IntermediaryDir receives previews when
	// Config.Output.SaveIntermediaryResults is set
	IntermediaryDir string
}

// Metrics summarises one run
type Metrics struct {
	Images      int
	Peaks       int
	Indexed     int
	Integrated  int
	Scaling     scaling.Summary
	PostRefined int
	Unique      int

	// MeanRedundancy is the mean number of observations per merged reflection
	MeanRedundancy float64
}

// Processor runs the reduction of one dataset
type Processor struct {
	params *Params
	cfg    *config.Config
	logger *log.Logger

	indexMu  sync.Mutex
	symmetry *symmetry.PointGroup

	crystals []*models.Crystal
	merged   *reflist.List
	metrics  Metrics
}

// NewProcessor creates a processor. A nil Config means config.DefaultConfig.
func NewProcessor(params *Params) *Processor {
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := params.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{params: params, cfg: cfg, logger: logger}
}

func (p *Processor) step(format string, args ...interface{}) {
	if p.cfg.Processing.Verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func (p *Processor) progress(label string) workpool.ProgressCallback {
	if !p.cfg.Processing.Verbose {
		return nil
	}
	return func(completed, total int) {
		fmt.Printf("\r%s: %.1f%% complete", label, float64(completed)/float64(total)*100)
		if completed == total {
			fmt.Println()
		}
	}
}

// Process runs the complete pipeline over images
func (p *Processor) Process(images []*models.Image) error {
	if len(images) == 0 {
		return fmt.Errorf("no images to process")
	}
	if p.params.Indexer == nil {
		return fmt.Errorf("no indexer configured")
	}
	if err := p.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	pg, err := p.cfg.PointGroup()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	p.symmetry = pg
	if p.cfg.Output.SaveIntermediaryResults {
		if err := os.MkdirAll(p.params.IntermediaryDir, 0755); err != nil {
			return fmt.Errorf("failed to create intermediary directory: %w", err)
		}
	}
	p.metrics = Metrics{Images: len(images)}
	p.crystals = nil

	p.step("Step 1: Searching for peaks...")
	if err := p.searchPeaks(images); err != nil {
		return fmt.Errorf("failed to search for peaks: %w", err)
	}
	p.saveIntermediaryResult("01_peaks", images, nil)

	p.step("Step 2: Indexing, refining and integrating...")
	p.processImages(images)
	if len(p.crystals) == 0 {
		return fmt.Errorf("no crystals survived indexing and refinement")
	}
	p.saveIntermediaryResult("02_predictions", nil, p.crystals)

	merger := merge.Mean{MinPartiality: p.cfg.Scaling.MinPartiality, Symmetry: p.symmetry}
	sopts := p.cfg.ScalingOptions()
	sopts.Logger = p.logger
	sopts.Progress = p.progress("Scaling crystals")

	p.step("Step 3: Scaling...")
	p.metrics.Scaling = scaling.ScaleAll(p.crystals, merger, sopts)

	if p.cfg.PostRefinement.Enabled {
		p.step("Step 4: Post-refining orientations...")
		popts := p.cfg.PostRefineOptions()
		popts.Logger = p.logger
		p.metrics.PostRefined = postrefine.RefineAll(p.crystals, merger.Merge(p.crystals), popts)
		if p.metrics.PostRefined > 0 {
			p.metrics.Scaling = scaling.ScaleAll(p.crystals, merger, sopts)
		}
	}

	p.step("Step 5: Merging...")
	p.merged = merger.Merge(p.crystals)
	p.metrics.Unique = p.merged.Len()
	total := 0
	for _, r := range p.merged.Sorted() {
		total += r.Redundancy
	}
	if p.metrics.Unique > 0 {
		p.metrics.MeanRedundancy = float64(total) / float64(p.metrics.Unique)
	}
	p.logger.Printf("Merged %s observations into %s unique reflections",
		humanize.Comma(int64(total)), humanize.Comma(int64(p.metrics.Unique)))

	return nil
}

// searchPeaks finds the peaks on every image in parallel. An explicit
// peaks.cullAligned overrides the culling mode of every panel.
func (p *Processor) searchPeaks(images []*models.Image) error {
	mode, override, err := p.cfg.CullMode()
	if err != nil {
		return err
	}
	if override {
		for _, img := range images {
			for i := range img.Detector.Panels {
				img.Detector.Panels[i].Cull = mode
			}
		}
	}

	opts := p.cfg.SearchOptions()
	workpool.Run(len(images),
		workpool.Options{Workers: p.cfg.Processing.Workers, Progress: p.progress("Searching images")},
		func(i int) peaks.SearchStats { return peaks.Search(images[i], opts) },
		func(_ int, st peaks.SearchStats) { p.metrics.Peaks += st.Found })

	p.logger.Printf("Found %s peaks on %s images",
		humanize.Comma(int64(p.metrics.Peaks)), humanize.Comma(int64(len(images))))
	return nil
}

type imageResult struct {
	crystal *models.Crystal
	err     error
}

// processImages turns every image into at most one crystal.
func (p *Processor) processImages(images []*models.Image) {
	results := make([]*models.Crystal, len(images))
	workpool.Run(len(images),
		workpool.Options{Workers: p.cfg.Processing.Workers, Progress: p.progress("Processing images")},
		func(i int) imageResult {
			cr, err := p.ProcessImage(images[i])
			return imageResult{crystal: cr, err: err}
		},
		func(i int, res imageResult) {
			if res.err != nil {
				p.logger.Printf("Warning: %s: %v", imageName(images[i], i), res.err)
				return
			}
			results[i] = res.crystal
		})

	for _, cr := range results {
		if cr == nil {
			continue
		}
		p.crystals = append(p.crystals, cr)
		p.metrics.Integrated += cr.Reflections.Len()
	}
	p.metrics.Indexed = len(p.crystals)
	p.logger.Printf("Indexed %s of %s images, %s reflections integrated",
		humanize.Comma(int64(p.metrics.Indexed)), humanize.Comma(int64(len(images))),
		humanize.Comma(int64(p.metrics.Integrated)))
}

func imageName(img *models.Image, i int) string {
	if img.Filename != "" {
		return img.Filename
	}
	return fmt.Sprintf("image %d", i)
}

// ProcessImage indexes img, refines the first candidate which survives
// prediction refinement and the lattice sanity check, then predicts and
// integrates its reflections. The image's peaks must already be found.
func (p *Processor) ProcessImage(img *models.Image) (*models.Crystal, error) {
	p.indexMu.Lock()
	cells, err := p.params.Indexer.Index(img)
	p.indexMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("indexing failed: %w", err)
	}

	var errs []error
	for _, c := range cells {
		cr := models.NewCrystal(img, c)
		if err := p.refineCrystal(cr); err != nil {
			errs = append(errs, err)
			continue
		}
		p.integrate(cr)
		return cr, nil
	}
	if len(errs) == 0 {
		return nil, ErrNotIndexed
	}
	return nil, fmt.Errorf("%w: %w", ErrNotIndexed, errors.Join(errs...))
}

func (p *Processor) refineCrystal(cr *models.Crystal) error {
	if p.cfg.Refinement.EstimateRadius {
		if err := refine.RefineRadius(cr, p.cfg.RefineOptions()); err != nil {
			cr.AddNote("profile radius kept at %e: %v", cr.ProfileRadius, err)
		}
	}
	if err := refine.RefinePrediction(cr, p.cfg.RefineOptions()); err != nil {
		return fmt.Errorf("prediction refinement: %w", err)
	}
	if !peaks.SanityCheck(cr.Image, p.setup(cr)) {
		return fmt.Errorf("refined lattice fails the sanity check")
	}
	return nil
}

func (p *Processor) setup(cr *models.Crystal) geometry.Setup {
	return geometry.ForCrystal(cr).WithProfileCutoff(p.cfg.Prediction.ProfileCutoff)
}

// integrate predicts and measures the reflections of cr and marks the free
// set. Symmetry mates share their free flag.
func (p *Processor) integrate(cr *models.Crystal) {
	list := p.setup(cr).Predict(p.cfg.Prediction.MaxResolution)
	if p.symmetry != nil {
		list.SetSymmetry(p.symmetry)
	}

	peaks.IntegrateReflections(cr.Image, cr.Cell, list, p.cfg.IntegrationOptions())
	if minSNR := p.cfg.Integration.MinSNR; minSNR > 0 {
		for _, r := range list.Sorted() {
			if !(r.Intensity >= minSNR*r.Sigma) {
				list.Delete(r.Miller)
			}
		}
	}
	reflist.FlagFree(list, p.cfg.Scaling.FreeFraction)
	cr.Reflections = list
}

// saveIntermediaryResult writes panel previews of each image, or of the
// image of each crystal with its predictions marked.
func (p *Processor) saveIntermediaryResult(stage string, images []*models.Image, crystals []*models.Crystal) {
	if !p.cfg.Output.SaveIntermediaryResults {
		return
	}
	dir := filepath.Join(p.params.IntermediaryDir, stage)

	var viewers []*visualization.Viewer
	var names []string
	for i, img := range images {
		viewers = append(viewers, visualization.NewViewer(img, nil))
		names = append(names, fmt.Sprintf("%03d", i))
	}
	for i, cr := range crystals {
		viewers = append(viewers, visualization.NewViewer(cr.Image, cr.Reflections))
		names = append(names, fmt.Sprintf("%03d", i))
	}

	for i, v := range viewers {
		if err := v.SavePanelSequence(dir, names[i]); err != nil {
			p.logger.Printf("Warning: Failed to save %s preview %s: %v", stage, names[i], err)
		}
	}
}

// Crystals returns the crystals from the last run, including flagged ones
func (p *Processor) Crystals() []*models.Crystal {
	return p.crystals
}

// Merged returns the final merged reflection list
func (p *Processor) Merged() *reflist.List {
	return p.merged
}

// GetMetrics returns the summary of the last run
func (p *Processor) GetMetrics() Metrics {
	return p.metrics
}
