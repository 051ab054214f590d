package imageio

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// createTestImage creates a simple gradient test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8((x * 255) / width), uint8((y * 255) / height), 128, 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	data := encodePNG(t, createTestImage(40, 30))

	img, format, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, "png", format)
	require.Equal(t, 40, img.Bounds().Dx())
	require.Equal(t, 30, img.Bounds().Dy())
}

func TestDecodeGarbage(t *testing.T) {
	_, _, err := Decode([]byte("definitely not an image"))
	require.ErrorIs(t, err, ErrImageLoad)

	_, _, err = Decode(nil)
	require.ErrorIs(t, err, ErrImageLoad)
}

func TestLoadImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "part.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, createTestImage(20, 10)), 0o644))

	img, err := New().LoadImage(path)
	require.NoError(t, err)
	require.Equal(t, 20, img.Bounds().Dx())

	_, err = New().LoadImage(filepath.Join(t.TempDir(), "missing.png"))
	require.ErrorIs(t, err, ErrImageLoad)
}

func TestLoadImageUnsupportedFormat(t *testing.T) {
	loader := NewWithConfig(Config{SupportedFormats: []string{"jpeg"}})
	_, err := loader.LoadImageFromReader(bytes.NewReader(encodePNG(t, createTestImage(8, 8))))
	require.ErrorIs(t, err, ErrImageLoad)
	require.Contains(t, err.Error(), "unsupported image format: png")
}

func TestLoadImageFromURL(t *testing.T) {
	data := encodePNG(t, createTestImage(16, 12))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/text" {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("hello"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	loader := New()
	img, err := loader.LoadImageSmart(context.Background(), srv.URL+"/part.png")
	require.NoError(t, err)
	require.Equal(t, 16, img.Bounds().Dx())

	_, err = loader.LoadImageFromURL(context.Background(), srv.URL+"/text")
	require.ErrorIs(t, err, ErrImageLoad)

	_, err = loader.LoadImageFromURL(context.Background(), "ftp://example.com/a.png")
	require.ErrorIs(t, err, ErrImageLoad)
}

func TestGetImageInfo(t *testing.T) {
	info := GetImageInfo(createTestImage(400, 300))
	require.Equal(t, 400, info.Width)
	require.Equal(t, 300, info.Height)
	require.InDelta(t, 400.0/300.0, info.AspectRatio, 1e-9)
	require.Equal(t, 120000, info.Area)
}

func TestAwaitDimensions(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, AwaitDimensions(ctx, createTestImage(2, 2), time.Millisecond))

	empty := image.NewRGBA(image.Rect(0, 0, 0, 0))
	start := time.Now()
	err := AwaitDimensions(ctx, empty, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrImageNotReady)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	require.ErrorIs(t, AwaitDimensions(ctx, nil, time.Millisecond), ErrImageLoad)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, AwaitDimensions(cancelled, empty, time.Hour), ErrImageNotReady)
}

func TestCheckCanvas(t *testing.T) {
	require.NoError(t, CheckCanvas(100, 100, 0))
	require.ErrorIs(t, CheckCanvas(0, 100, 0), ErrRenderContext)
	require.ErrorIs(t, CheckCanvas(100, 100, 50), ErrRenderContext)
}

func TestEncodeJPEG(t *testing.T) {
	data, err := EncodeJPEG(createTestImage(10, 10), 90)
	require.NoError(t, err)
	img, format, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	require.Equal(t, 10, img.Bounds().Dx())
}
