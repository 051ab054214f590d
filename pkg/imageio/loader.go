// Package imageio decodes uploaded images and holds the failure kinds shared by the
// overlay renderer and the upload compressor.
package imageio

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// DefaultMaxCanvasPixels is the largest canvas area we agree to allocate.
const DefaultMaxCanvasPixels = 16384 * 16384

// Loader reads images from files, readers and URLs.
type Loader struct {
	config     Config
	httpClient *http.Client
}

// Config holds configuration for the loader
type Config struct {
	SupportedFormats []string
	DownloadTimeout  time.Duration
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int
	Height      int
	AspectRatio float64
	Area        int
}

// New creates a Loader accepting the formats the upload form allows.
func New() *Loader {
	return NewWithConfig(Config{
		SupportedFormats: []string{"jpeg", "png", "bmp", "webp", "gif"},
		DownloadTimeout:  30 * time.Second,
	})
}

// NewWithConfig creates a Loader with custom configuration
func NewWithConfig(config Config) *Loader {
	if config.DownloadTimeout <= 0 {
		config.DownloadTimeout = 30 * time.Second
	}
	return &Loader{
		config:     config,
		httpClient: &http.Client{Timeout: config.DownloadTimeout},
	}
}

// Decode decodes image bytes with every registered decoder, falling back to the
// libwebp decoder for WebP variants the pure-Go decoder rejects.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrImageLoad)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, format, nil
	}

	if wimg, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
		return wimg, "webp", nil
	}

	return nil, "", fmt.Errorf("%w: %w", ErrImageLoad, err)
}

// LoadImage loads an image from file
func (l *Loader) LoadImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open image file: %w", ErrImageLoad, err)
	}
	return l.decodeSupported(data)
}

// LoadImageFromReader loads an image from an io.Reader
func (l *Loader) LoadImageFromReader(reader io.Reader) (image.Image, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read image data: %w", ErrImageLoad, err)
	}
	return l.decodeSupported(data)
}

// LoadImageFromURL downloads and decodes an image.
func (l *Loader) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, error) {
	parsed, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %w", ErrImageLoad, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported URL scheme: %s", ErrImageLoad, parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrImageLoad, err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to download image: %w", ErrImageLoad, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: failed to download image: HTTP %d", ErrImageLoad, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: URL does not point to an image (Content-Type: %s)", ErrImageLoad, ct)
	}

	return l.LoadImageFromReader(resp.Body)
}

// LoadImageSmart loads an image from either a file path or URL
func (l *Loader) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return l.LoadImageFromURL(ctx, source)
	}
	return l.LoadImage(source)
}

func (l *Loader) decodeSupported(data []byte) (image.Image, error) {
	img, format, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if !l.isFormatSupported(format) {
		return nil, fmt.Errorf("%w: unsupported image format: %s", ErrImageLoad, format)
	}
	return img, nil
}

func (l *Loader) isFormatSupported(format string) bool {
	for _, supported := range l.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}

// GetImageInfo returns basic information about an image
func GetImageInfo(img image.Image) ImageInfo {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	info := ImageInfo{Width: width, Height: height, Area: width * height}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	return info
}

// AwaitDimensions returns nil once img reports non-zero dimensions. An image that is
// still empty is re-checked once after grace; after that it is ErrImageNotReady.
func AwaitDimensions(ctx context.Context, img image.Image, grace time.Duration) error {
	if img == nil {
		return fmt.Errorf("%w: no image", ErrImageLoad)
	}
	if hasDimensions(img) {
		return nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrImageNotReady, ctx.Err())
	case <-timer.C:
	}

	if !hasDimensions(img) {
		return fmt.Errorf("%w: image has zero dimensions", ErrImageNotReady)
	}
	return nil
}

func hasDimensions(img image.Image) bool {
	b := img.Bounds()
	return b.Dx() > 0 && b.Dy() > 0
}

// CheckCanvas validates that a canvas of w x h can be allocated.
func CheckCanvas(w, h, maxPixels int) error {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxCanvasPixels
	}
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: empty canvas %dx%d", ErrRenderContext, w, h)
	}
	if w*h > maxPixels {
		return fmt.Errorf("%w: canvas %dx%d exceeds %d pixels", ErrRenderContext, w, h, maxPixels)
	}
	return nil
}

// EncodeJPEG encodes img as JPEG at quality 1-100.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return buf.Bytes(), nil
}
