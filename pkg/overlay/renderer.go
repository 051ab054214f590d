// Package overlay draws detection boxes and labels over a source image.
package overlay

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"

	"github.com/rdqcc/defect-overlay/pkg/imageio"
	"github.com/rdqcc/defect-overlay/pkg/types"
)

// Defaults used by New.
const (
	DefaultJPEGQuality = 92
	DefaultReadyGrace  = 50 * time.Millisecond
)

var (
	labelFont     *truetype.Font
	labelFontErr  error
	labelFontOnce sync.Once
	labelText     = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

func loadLabelFont() (*truetype.Font, error) {
	labelFontOnce.Do(func() {
		labelFont, labelFontErr = truetype.Parse(gobold.TTF)
	})
	return labelFont, labelFontErr
}

// Config holds configuration for the renderer
type Config struct {
	JPEGQuality     int
	ReadyGrace      time.Duration
	MaxCanvasPixels int
}

// Renderer produces JPEG overlays. It holds no per-call state and is safe for
// concurrent use; every call paints on its own canvas.
type Renderer struct {
	config Config
	logger *zap.Logger
}

// EncodedImage is an encoded raster image.
type EncodedImage struct {
	Data        []byte
	Width       int
	Height      int
	ContentType string
}

// DataURI returns the image as a base64 data URI.
func (e EncodedImage) DataURI() string {
	return "data:" + e.ContentType + ";base64," + base64.StdEncoding.EncodeToString(e.Data)
}

// Result is the output of one render call.
type Result struct {
	Image   EncodedImage
	Marks   []Mark
	Skipped []InvalidDetectionWarning
}

// New creates a Renderer with default configuration
func New(logger *zap.Logger) *Renderer {
	return NewWithConfig(Config{}, logger)
}

// NewWithConfig creates a Renderer with custom configuration. Zero fields take defaults.
func NewWithConfig(config Config, logger *zap.Logger) *Renderer {
	if config.JPEGQuality <= 0 || config.JPEGQuality > 100 {
		config.JPEGQuality = DefaultJPEGQuality
	}
	if config.ReadyGrace <= 0 {
		config.ReadyGrace = DefaultReadyGrace
	}
	if config.MaxCanvasPixels <= 0 {
		config.MaxCanvasPixels = imageio.DefaultMaxCanvasPixels
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{config: config, logger: logger}
}

// RenderBytes decodes data and renders detections over it.
func (r *Renderer) RenderBytes(ctx context.Context, data []byte, detections []types.Detection) (*Result, error) {
	img, _, err := imageio.Decode(data)
	if err != nil {
		return nil, err
	}
	return r.Render(ctx, img, detections)
}

// Render draws every visible, valid detection over img and encodes the canvas as JPEG.
// Invalid detections are logged and reported in Result.Skipped; they never fail the call.
func (r *Renderer) Render(ctx context.Context, img image.Image, detections []types.Detection) (*Result, error) {
	if err := imageio.AwaitDimensions(ctx, img, r.config.ReadyGrace); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if err := imageio.CheckCanvas(width, height, r.config.MaxCanvasPixels); err != nil {
		return nil, err
	}

	marks, skipped := Plan(width, height, detections)
	for _, w := range skipped {
		r.logger.Warn("skipping invalid detection",
			zap.Int("index", w.Index),
			zap.String("reason", w.Reason),
			zap.Float64s("box", w.Box))
	}

	dc := gg.NewContextForImage(img)
	if len(marks) > 0 {
		f, err := loadLabelFont()
		if err != nil {
			return nil, fmt.Errorf("%w: label font: %w", imageio.ErrRenderContext, err)
		}
		p := newPainter(dc, f, ComputeMetrics(width, height))
		for i := range marks {
			p.paint(&marks[i])
		}
	}

	data, err := imageio.EncodeJPEG(dc.Image(), r.config.JPEGQuality)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("rendered overlay",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("drawn", len(marks)),
		zap.Int("skipped", len(skipped)))

	return &Result{
		Image: EncodedImage{
			Data:        data,
			Width:       width,
			Height:      height,
			ContentType: "image/jpeg",
		},
		Marks:   marks,
		Skipped: skipped,
	}, nil
}

// painter threads the mutable drawing state through the marks in order.
type painter struct {
	dc      *gg.Context
	font    *truetype.Font
	metrics Metrics
	faces   map[float64]font.Face
}

func newPainter(dc *gg.Context, f *truetype.Font, m Metrics) *painter {
	return &painter{dc: dc, font: f, metrics: m, faces: map[float64]font.Face{}}
}

func (p *painter) face(size float64) font.Face {
	if f, ok := p.faces[size]; ok {
		return f
	}
	f := truetype.NewFace(p.font, &truetype.Options{Size: size})
	p.faces[size] = f
	return f
}

func (p *painter) paint(m *Mark) {
	p.strokeRect(m.Box, m.LineWidth, m.Color)

	p.dc.SetFontFace(p.face(m.FontSize))
	textWidth, _ := p.dc.MeasureString(m.Label)
	m.LabelRect.W = textWidth + p.metrics.Padding

	p.dc.SetColor(m.Color)
	p.dc.DrawRectangle(m.LabelRect.X, m.LabelRect.Y, m.LabelRect.W, m.LabelRect.H)
	p.dc.Fill()

	p.dc.SetColor(labelText)
	p.dc.DrawString(m.Label, m.TextX, m.TextY)
}

// strokeRect paints an outline centred on the box edges with square corners.
func (p *painter) strokeRect(r Rect, lw float64, c color.Color) {
	half := lw / 2
	p.dc.SetColor(c)
	p.dc.DrawRectangle(r.X-half, r.Y-half, r.W+lw, lw)
	p.dc.DrawRectangle(r.X-half, r.Y+r.H-half, r.W+lw, lw)
	if side := r.H - lw; side > 0 {
		p.dc.DrawRectangle(r.X-half, r.Y+half, lw, side)
		p.dc.DrawRectangle(r.X+r.W-half, r.Y+half, lw, side)
	}
	p.dc.Fill()
}
