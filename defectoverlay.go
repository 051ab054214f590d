// Package defectoverlay inspects photographs of manufactured parts for defects.
//
// An upload is compressed to a bounded JPEG, submitted to a two-stage detection
// API, and the returned boxes are drawn over the image together with a written
// report:
//
//	wb, err := defectoverlay.NewFromConfig(config.Default(), logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	data, _ := os.ReadFile("part.png")
//	ins, err := wb.Inspect(ctx, &compress.File{Name: "part.png", Data: data}, defectoverlay.InspectParams{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	os.WriteFile("part_overlay.jpg", ins.Overlay.Data, 0644)
//	fmt.Println(ins.Report.Format())
//
// The building blocks live in their own packages:
//
//  1. Compress (pkg/compress): downsizes and re-encodes uploads
//  2. Inference (pkg/inference): model listing, prediction and box remapping
//  3. Overlay (pkg/overlay): draws boxes and labels
//  4. Results (pkg/results): per-detection visibility
//  5. Report (pkg/report): local or model-written inspection reports
package defectoverlay

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rdqcc/defect-overlay/internal/config"
	"github.com/rdqcc/defect-overlay/pkg/compress"
	"github.com/rdqcc/defect-overlay/pkg/imageio"
	"github.com/rdqcc/defect-overlay/pkg/inference"
	"github.com/rdqcc/defect-overlay/pkg/overlay"
	"github.com/rdqcc/defect-overlay/pkg/report"
	"github.com/rdqcc/defect-overlay/pkg/results"
	"github.com/rdqcc/defect-overlay/pkg/types"
)

// Version of the defect overlay library
const Version = "1.0.0"

// Predictor is the inference API as seen by the workbench.
type Predictor interface {
	ListModels(ctx context.Context) (*types.ModelCatalog, error)
	Predict(ctx context.Context, req *inference.PredictRequest) (*inference.PredictResponse, error)
}

// Workbench runs the inspection flow for uploaded images.
type Workbench struct {
	predictor    Predictor
	compressor   *compress.Compressor
	compressOpts compress.Options
	renderer     *overlay.Renderer
	reporter     *report.Reporter
	loader       *imageio.Loader
	defaults     InspectParams
	logger       *zap.Logger
}

// Option customises a Workbench.
type Option func(*Workbench)

// WithCompressor replaces the compressor and its options.
func WithCompressor(c *compress.Compressor, opts compress.Options) Option {
	return func(w *Workbench) {
		w.compressor = c
		w.compressOpts = opts
	}
}

// WithRenderer replaces the overlay renderer.
func WithRenderer(r *overlay.Renderer) Option {
	return func(w *Workbench) { w.renderer = r }
}

// WithReporter replaces the report generator.
func WithReporter(r *report.Reporter) Option {
	return func(w *Workbench) { w.reporter = r }
}

// WithDefaults sets the parameters used for fields left empty in Inspect calls.
func WithDefaults(p InspectParams) Option {
	return func(w *Workbench) { w.defaults = p }
}

// New creates a Workbench around predictor with default components.
func New(predictor Predictor, logger *zap.Logger, opts ...Option) *Workbench {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Workbench{
		predictor:    predictor,
		compressor:   compress.New(logger),
		compressOpts: compress.DefaultOptions(),
		renderer:     overlay.New(logger),
		reporter:     report.NewReporter(nil, "", logger),
		loader:       imageio.New(),
		logger:       logger,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// NewFromConfig builds a Workbench and its inference client from cfg.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Workbench, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := inference.NewClient(cfg.APIBaseURL(),
		inference.WithHTTPClient(&http.Client{Timeout: cfg.Inference.Timeout.Std()}),
		inference.WithLogger(logger))
	logger.Debug("inference API selected", zap.String("base_url", client.BaseURL()))

	gen, err := NewGenerator(cfg.Report)
	if err != nil {
		return nil, err
	}

	compressor := compress.New(logger, compress.WithMaxCanvasPixels(cfg.Overlay.MaxCanvasPixels))
	renderer := overlay.NewWithConfig(overlay.Config{
		JPEGQuality:     cfg.Overlay.JPEGQuality,
		ReadyGrace:      cfg.Overlay.ReadyGrace.Std(),
		MaxCanvasPixels: cfg.Overlay.MaxCanvasPixels,
	}, logger)

	return New(client, logger,
		WithCompressor(compressor, compress.Options{
			MaxSizeMB:        cfg.Compression.MaxSizeMB,
			MaxWidthOrHeight: cfg.Compression.MaxWidthOrHeight,
			Quality:          cfg.Compression.Quality,
		}),
		WithRenderer(renderer),
		WithReporter(report.NewReporter(gen, cfg.Report.Model, logger)),
		WithDefaults(InspectParams{
			FirstModel:      cfg.Inference.FirstModel,
			SecondModel:     cfg.Inference.SecondModel,
			FirstConfidence: cfg.Inference.DefaultConfidence,
			Filter:          cfg.Inference.Filter,
			ProductCode:     cfg.Inference.ProductCode,
		}),
	), nil
}

// NewGenerator returns the report generator selected by cfg, or nil for none.
func NewGenerator(cfg config.ReportConfig) (report.Generator, error) {
	switch cfg.Backend {
	case config.BackendOllama:
		url := cfg.URL
		if url == "" {
			url = "http://localhost:11434"
		}
		gen, err := report.NewOllama(url, nil)
		if err != nil {
			return nil, fmt.Errorf("report backend: %w", err)
		}
		return gen, nil
	case config.BackendLlamaCpp:
		return report.NewLlamaCpp(cfg.URL), nil
	case "", config.BackendNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown report backend %q", cfg.Backend)
}

// InspectParams are the per-request prediction settings.
type InspectParams struct {
	FirstModel      string  `json:"first_model,omitempty"`
	SecondModel     string  `json:"second_model,omitempty"`
	FirstConfidence float64 `json:"first_confidence,omitempty"`
	Filter          bool    `json:"filter"`
	ProductCode     string  `json:"product_code,omitempty"`
}

func (p InspectParams) withDefaults(d InspectParams) InspectParams {
	if p.FirstModel == "" {
		p.FirstModel = d.FirstModel
	}
	if p.SecondModel == "" {
		p.SecondModel = d.SecondModel
	}
	if p.FirstConfidence == 0 {
		p.FirstConfidence = d.FirstConfidence
	}
	if !p.Filter && d.Filter {
		p.Filter = true
	}
	if p.ProductCode == "" {
		p.ProductCode = d.ProductCode
	}
	return p
}

// Inspection is the outcome of one Inspect call.
type Inspection struct {
	Compressed *compress.File
	Response   *inference.PredictResponse
	Results    *results.List
	// Overlay is the annotated image, or the compressed image when drawing failed.
	Overlay overlay.EncodedImage
	Marks   []overlay.Mark
	Skipped []overlay.InvalidDetectionWarning
	Report  report.Report
	Status  types.StatusMessage
}

// ListModels returns the models the inference API offers.
func (w *Workbench) ListModels(ctx context.Context) (*types.ModelCatalog, error) {
	return w.predictor.ListModels(ctx)
}

// HasReportModel reports whether reports are written by a vision model rather than
// summarised locally.
func (w *Workbench) HasReportModel() bool {
	return w.reporter.HasGenerator()
}

// Compress shrinks file with the workbench options.
func (w *Workbench) Compress(ctx context.Context, file *compress.File) (*compress.File, error) {
	return w.compressor.Compress(ctx, file, w.compressOpts)
}

// CompressWithOptions shrinks file with opts. Zero fields of opts take the
// workbench options.
func (w *Workbench) CompressWithOptions(ctx context.Context, file *compress.File, opts compress.Options) (*compress.File, error) {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = w.compressOpts.MaxSizeMB
	}
	if opts.MaxWidthOrHeight <= 0 {
		opts.MaxWidthOrHeight = w.compressOpts.MaxWidthOrHeight
	}
	if opts.Quality <= 0 {
		opts.Quality = w.compressOpts.Quality
	}
	return w.compressor.Compress(ctx, file, opts)
}

// LoadImage loads an image from a path or http(s) URL.
func (w *Workbench) LoadImage(ctx context.Context, source string) (image.Image, error) {
	return w.loader.LoadImageSmart(ctx, source)
}

// Inspect compresses file, predicts defects, draws the overlay and writes a report.
// A drawing failure is not fatal: the compressed image is returned as the overlay
// and Status carries the error.
func (w *Workbench) Inspect(ctx context.Context, file *compress.File, params InspectParams) (*Inspection, error) {
	compressed, err := w.Compress(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}

	params = params.withDefaults(w.defaults)
	resp, err := w.predictor.Predict(ctx, &inference.PredictRequest{
		Image:           compressed.Data,
		Filename:        compressed.Name,
		FirstModel:      params.FirstModel,
		SecondModel:     params.SecondModel,
		FirstConfidence: params.FirstConfidence,
		Filter:          params.Filter,
		ProductCode:     params.ProductCode,
	})
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}

	dets, err := resp.Detections()
	if err != nil {
		w.logger.Warn("dropped detections that could not be remapped", zap.Error(err))
	}

	ins := &Inspection{
		Compressed: compressed,
		Response:   resp,
		Results:    results.NewList(dets),
	}
	shown := ins.Results.Detections()

	var (
		g         errgroup.Group
		renderErr error
	)
	g.Go(func() error {
		res, err := w.renderer.RenderBytes(ctx, compressed.Data, shown)
		if err != nil {
			renderErr = err
			return nil
		}
		ins.Overlay = res.Image
		ins.Marks = res.Marks
		ins.Skipped = res.Skipped
		return nil
	})
	g.Go(func() error {
		ins.Report = w.report(ctx, compressed.Data, shown)
		return nil
	})
	_ = g.Wait()

	if renderErr != nil {
		w.logger.Error("failed to draw detections", zap.String("file", compressed.Name), zap.Error(renderErr))
		ins.Overlay = plainImage(compressed)
		ins.Status = types.Failure(fmt.Sprintf("Failed to draw detections: %v", renderErr))
		return ins, nil
	}

	n := ins.Results.Len()
	if n == 0 {
		ins.Status = types.Info("Analysis complete: no defects detected.")
		return ins, nil
	}
	ins.Status = types.Success(fmt.Sprintf("Analysis complete: %d %s detected.", n, plural(n)))
	return ins, nil
}

func (w *Workbench) report(ctx context.Context, img []byte, dets []types.Detection) report.Report {
	rep, err := w.reporter.Generate(ctx, img, dets)
	if err != nil {
		w.logger.Warn("report generation failed, using local summary", zap.Error(err))
		return report.Summarize(dets)
	}
	return rep
}

// Rerender draws the currently visible detections of list over img.
func (w *Workbench) Rerender(ctx context.Context, img []byte, list *results.List) (*overlay.Result, error) {
	return w.renderer.RenderBytes(ctx, img, list.Detections())
}

// Render draws detections over img.
func (w *Workbench) Render(ctx context.Context, img image.Image, dets []types.Detection) (*overlay.Result, error) {
	return w.renderer.Render(ctx, img, dets)
}

func plainImage(f *compress.File) overlay.EncodedImage {
	out := overlay.EncodedImage{Data: f.Data, ContentType: f.ContentType}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(f.Data)); err == nil {
		out.Width, out.Height = cfg.Width, cfg.Height
	}
	return out
}

func plural(n int) string {
	if n == 1 {
		return "defect"
	}
	return "defects"
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
