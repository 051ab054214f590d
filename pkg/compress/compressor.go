// Package compress shrinks uploads to a bounded JPEG before they are sent for inference.
package compress

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/rdqcc/defect-overlay/pkg/imageio"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultMaxSizeMB        = 1.0
	DefaultMaxWidthOrHeight = 1920
	DefaultQuality          = 0.7
)

// File is an uploaded or produced image file.
type File struct {
	Name        string
	ContentType string
	ModTime     time.Time
	Data        []byte
}

// Options controls a single compression.
type Options struct {
	MaxSizeMB        float64
	MaxWidthOrHeight int
	Quality          float64
}

// DefaultOptions returns the upload defaults.
func DefaultOptions() Options {
	return Options{
		MaxSizeMB:        DefaultMaxSizeMB,
		MaxWidthOrHeight: DefaultMaxWidthOrHeight,
		Quality:          DefaultQuality,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = DefaultMaxSizeMB
	}
	if o.MaxWidthOrHeight <= 0 {
		o.MaxWidthOrHeight = DefaultMaxWidthOrHeight
	}
	if o.Quality <= 0 || o.Quality > 1 {
		o.Quality = DefaultQuality
	}
	return o
}

// MaxBytes is the size budget in bytes.
func (o Options) MaxBytes() int64 {
	return int64(o.withDefaults().MaxSizeMB * units.MiB)
}

// Compressor re-encodes images as size-bounded JPEGs.
type Compressor struct {
	logger          *zap.Logger
	now             func() time.Time
	maxCanvasPixels int
}

// Option customises a Compressor.
type Option func(*Compressor)

// WithClock overrides the timestamp source for produced files.
func WithClock(now func() time.Time) Option {
	return func(c *Compressor) { c.now = now }
}

// WithMaxCanvasPixels bounds the canvas the compressor will allocate.
func WithMaxCanvasPixels(n int) Option {
	return func(c *Compressor) { c.maxCanvasPixels = n }
}

// New creates a Compressor.
func New(logger *zap.Logger, opts ...Option) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Compressor{logger: logger, now: time.Now, maxCanvasPixels: imageio.DefaultMaxCanvasPixels}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TargetSize returns the output dimensions for a w x h source. Images already within
// maxSide are returned unchanged; larger ones are scaled uniformly so the longer side
// equals maxSide.
func TargetSize(w, h, maxSide int) (int, int) {
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return w, h
	}
	scale := float64(maxSide) / float64(max(w, h))
	return max(1, int(math.Round(float64(w)*scale))), max(1, int(math.Round(float64(h)*scale)))
}

// Compress decodes file, downsizes it to opts.MaxWidthOrHeight and encodes it as JPEG
// at opts.Quality. The input file is left untouched. Output over the size budget is
// logged but still returned.
func (c *Compressor) Compress(ctx context.Context, file *File, opts Options) (*File, error) {
	if file == nil {
		return nil, fmt.Errorf("%w: no file", imageio.ErrImageLoad)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	src, format, err := imageio.Decode(file.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", file.Name, err)
	}

	b := src.Bounds()
	w, h := TargetSize(b.Dx(), b.Dy(), opts.MaxWidthOrHeight)
	if err := imageio.CheckCanvas(w, h, c.maxCanvasPixels); err != nil {
		return nil, err
	}

	canvas := drawCanvas(src, w, h)

	data, err := imageio.EncodeJPEG(canvas, int(math.Round(opts.Quality*100)))
	if err != nil {
		return nil, err
	}

	if limit := opts.MaxBytes(); int64(len(data)) > limit {
		c.logger.Warn("compressed image exceeds size budget",
			zap.String("file", file.Name),
			zap.String("size", units.BytesSize(float64(len(data)))),
			zap.String("limit", units.BytesSize(float64(limit))))
	}

	c.logger.Debug("compressed image",
		zap.String("file", file.Name),
		zap.String("source_format", format),
		zap.Int("source_width", b.Dx()),
		zap.Int("source_height", b.Dy()),
		zap.Int("width", w),
		zap.Int("height", h),
		zap.Int("bytes", len(data)))

	return &File{
		Name:        file.Name,
		ContentType: "image/jpeg",
		ModTime:     c.now(),
		Data:        data,
	}, nil
}

func drawCanvas(src image.Image, w, h int) *image.NRGBA {
	b := src.Bounds()
	if w == b.Dx() && h == b.Dy() {
		return imaging.Clone(src)
	}
	return imaging.Resize(src, w, h, imaging.Lanczos)
}
