package overlay

import (
	"context"
	"image"
	"image/color"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rdqcc/defect-overlay/pkg/imageio"
	"github.com/rdqcc/defect-overlay/pkg/types"
)

// createTestImage creates an opaque test image with a darker part in the middle
func createTestImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{40, 40, 40, 255})
			} else {
				img.Set(x, y, color.RGBA{200, 200, 200, 255})
			}
		}
	}
	return img
}

func det(box types.Box, name string, conf float64) types.Detection {
	return types.Detection{Box: box, ClassName: name, Confidence: conf}
}

func hidden(d types.Detection) types.Detection {
	return d.WithVisible(false)
}

func TestComputeMetrics(t *testing.T) {
	m := ComputeMetrics(1000, 1000)
	require.Equal(t, 1.0, m.ScaleFactor)
	require.Equal(t, 4.0, m.LineWidth)
	require.Equal(t, 8.0, m.Padding)
	require.Equal(t, 4.0, m.TextOffset)

	small := ComputeMetrics(100, 50)
	require.InDelta(t, 0.1, small.ScaleFactor, 1e-12)
	require.Equal(t, 2.0, small.LineWidth)
	require.Equal(t, 4.0, small.Padding)

	large := ComputeMetrics(4000, 3000)
	require.Equal(t, 16.0, large.LineWidth)

	require.Equal(t, 0.001, ComputeMetrics(0, 0).ScaleFactor)
}

func TestPlanScratchScenario(t *testing.T) {
	marks, skipped := Plan(1000, 1000, []types.Detection{
		{Box: types.Box{10, 10, 50, 40}, ClassName: "Scratch", Confidence: 0.873, Visible: types.Bool(true)},
	})
	require.Empty(t, skipped)
	require.Len(t, marks, 1)

	m := marks[0]
	require.Equal(t, 4.0, m.LineWidth)
	require.Equal(t, "Scratch 87.3%", m.Label)
	require.Equal(t, Palette[0], m.Color)
	require.Equal(t, Rect{X: 10, Y: 10, W: 40, H: 30}, m.Box)
	require.Equal(t, 10.0, m.FontSize)
	require.Equal(t, 0.0, m.LabelRect.Y)
	require.InDelta(t, 12.0, m.LabelRect.H, 1e-9)
	require.Equal(t, 14.0, m.TextX)
	require.Equal(t, 10.0, m.TextY)
}

func TestPlanLabelAboveBox(t *testing.T) {
	marks, _ := Plan(1000, 1000, []types.Detection{det(types.Box{100, 500, 600, 900}, "Dent", 0.5)})
	require.Len(t, marks, 1)
	// sqrt(200000/1e6)*10 > 1, so the ratio clamps to 1.
	require.Equal(t, 20.0, marks[0].FontSize)
	require.InDelta(t, 500-24.0, marks[0].LabelRect.Y, 1e-9)
	require.InDelta(t, 500-24.0+20, marks[0].TextY, 1e-9)
}

func TestFontSizeFloor(t *testing.T) {
	m := ComputeMetrics(200, 200)
	require.Equal(t, 10.0, FontSize(m, 2, 2, 200, 200))
}

func TestLabelTextTruncation(t *testing.T) {
	twenty := strings.Repeat("a", 20)
	require.Equal(t, twenty+" 50.0%", LabelText(det(nil, twenty, 0.5)))

	long := "abcdefghijklmnopqrstu"
	require.Equal(t, "abcdefghijklmnopqr... 12.5%", LabelText(det(nil, long, 0.125)))

	require.Equal(t, strings.Repeat("é", 18)+"... 0.0%", LabelText(det(nil, strings.Repeat("é", 25), 0)))
}

func TestPlanColorsFollowKeptOrder(t *testing.T) {
	a := det(types.Box{0, 0, 10, 10}, "a", 0.9)
	b := det(types.Box{10, 10, 20, 20}, "b", 0.8)
	c := det(types.Box{20, 20, 30, 30}, "c", 0.7)

	withHidden, _ := Plan(100, 100, []types.Detection{hidden(b), a, hidden(c), b, det(types.Box{5, 5, 1, 1}, "bad", 1), c})
	plain, _ := Plan(100, 100, []types.Detection{a, b, c})
	reordered, _ := Plan(100, 100, []types.Detection{a, hidden(c), hidden(b), b, c})

	colors := func(ms []Mark) []color.NRGBA {
		out := make([]color.NRGBA, len(ms))
		for i, m := range ms {
			out[i] = m.Color
		}
		return out
	}

	require.Equal(t, []color.NRGBA{Palette[0], Palette[1], Palette[2]}, colors(plain))
	require.Equal(t, colors(plain), colors(withHidden))
	require.Equal(t, colors(plain), colors(reordered))
}

func TestPlanPaletteCycles(t *testing.T) {
	var dets []types.Detection
	for i := 0; i < 12; i++ {
		dets = append(dets, det(types.Box{float64(i), 0, float64(i) + 5, 5}, "x", 0.5))
	}
	marks, _ := Plan(100, 100, dets)
	require.Len(t, marks, 12)
	require.Equal(t, Palette[0], marks[10].Color)
	require.Equal(t, Palette[1], marks[11].Color)
}

func TestPlanRejectsInvalidBoxes(t *testing.T) {
	nan := math.NaN()
	dets := []types.Detection{
		det(nil, "missing", 0.5),
		det(types.Box{1, 2, 3}, "short", 0.5),
		det(types.Box{1, 2, 3, 4, 5}, "long", 0.5),
		det(types.Box{nan, 0, 10, 10}, "nan", 0.5),
		det(types.Box{0, 0, math.Inf(1), 10}, "inf", 0.5),
		det(types.Box{10, 0, 10, 10}, "flat", 0.5),
		det(types.Box{0, 10, 10, 5}, "inverted", 0.5),
		hidden(det(nil, "hidden-invalid", 0.5)),
	}
	marks, skipped := Plan(100, 100, dets)
	require.Empty(t, marks)
	require.Len(t, skipped, 7)
	for i, w := range skipped {
		require.Equal(t, i, w.Index)
		require.Contains(t, w.Error(), "skipped")
	}
}

func TestRenderAllHiddenMatchesEmpty(t *testing.T) {
	ctx := context.Background()
	r := New(nil)
	img := createTestImage(120, 90)

	empty, err := r.Render(ctx, img, nil)
	require.NoError(t, err)

	allHidden, err := r.Render(ctx, img, []types.Detection{
		hidden(det(types.Box{10, 10, 50, 40}, "Scratch", 0.9)),
		hidden(det(types.Box{60, 20, 100, 80}, "Dent", 0.4)),
	})
	require.NoError(t, err)
	require.Equal(t, empty.Image.Data, allHidden.Image.Data)
	require.Empty(t, allHidden.Marks)
}

func TestRenderEmptyMatchesPlainEncode(t *testing.T) {
	img := createTestImage(64, 48)
	res, err := New(nil).Render(context.Background(), img, []types.Detection{})
	require.NoError(t, err)

	plain, err := imageio.EncodeJPEG(img, DefaultJPEGQuality)
	require.NoError(t, err)
	require.Equal(t, plain, res.Image.Data)
	require.Equal(t, 64, res.Image.Width)
	require.Equal(t, 48, res.Image.Height)
}

func TestRenderIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := New(nil)
	img := createTestImage(300, 200)
	dets := []types.Detection{
		det(types.Box{10, 30, 120, 150}, "Scratch", 0.873),
		det(types.Box{150, 40, 280, 190}, "A very long defect class name", 0.5),
	}

	first, err := r.Render(ctx, img, dets)
	require.NoError(t, err)
	second, err := r.Render(ctx, img, dets)
	require.NoError(t, err)
	require.Equal(t, first.Image.Data, second.Image.Data)
	require.Len(t, first.Marks, 2)
	require.Greater(t, first.Marks[0].LabelRect.W, first.Marks[0].FontSize)

	empty, err := r.Render(ctx, img, nil)
	require.NoError(t, err)
	require.NotEqual(t, empty.Image.Data, first.Image.Data)
}

func TestRenderSkipsInvalidWithoutDrawing(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := New(zap.New(core))
	ctx := context.Background()
	img := createTestImage(100, 100)

	empty, err := r.Render(ctx, img, nil)
	require.NoError(t, err)

	res, err := r.Render(ctx, img, []types.Detection{
		det(types.Box{50, 50, 10, 10}, "inverted", 0.9),
		det(types.Box{math.NaN(), 1, 2, 3}, "nan", 0.9),
	})
	require.NoError(t, err)
	require.Equal(t, empty.Image.Data, res.Image.Data)
	require.Len(t, res.Skipped, 2)
	require.Equal(t, 2, logs.FilterMessage("skipping invalid detection").Len())
}

func TestRenderDoesNotMutateInput(t *testing.T) {
	dets := []types.Detection{
		det(types.Box{10, 10, 50, 40}, "Scratch", 0.873),
		hidden(det(types.Box{1, 1, 2, 2}, "Dent", 0.1)),
	}
	before := make([]types.Detection, len(dets))
	for i, d := range dets {
		before[i] = d
		before[i].Box = append(types.Box(nil), d.Box...)
	}

	_, err := New(nil).Render(context.Background(), createTestImage(100, 100), dets)
	require.NoError(t, err)
	require.Equal(t, before, dets)
}

func TestRenderErrors(t *testing.T) {
	ctx := context.Background()
	r := NewWithConfig(Config{ReadyGrace: time.Millisecond}, nil)

	_, err := r.Render(ctx, image.NewRGBA(image.Rect(0, 0, 0, 0)), nil)
	require.ErrorIs(t, err, imageio.ErrImageNotReady)

	_, err = r.Render(ctx, nil, nil)
	require.ErrorIs(t, err, imageio.ErrImageLoad)

	_, err = r.RenderBytes(ctx, []byte("not an image"), nil)
	require.ErrorIs(t, err, imageio.ErrImageLoad)

	tiny := NewWithConfig(Config{MaxCanvasPixels: 100}, nil)
	_, err = tiny.Render(ctx, createTestImage(20, 20), nil)
	require.ErrorIs(t, err, imageio.ErrRenderContext)
}

func TestRenderBytes(t *testing.T) {
	src, err := imageio.EncodeJPEG(createTestImage(80, 60), 90)
	require.NoError(t, err)

	res, err := New(nil).RenderBytes(context.Background(), src, []types.Detection{det(types.Box{5, 5, 40, 40}, "Pit", 0.66)})
	require.NoError(t, err)
	require.Equal(t, 80, res.Image.Width)
	require.True(t, strings.HasPrefix(res.Image.DataURI(), "data:image/jpeg;base64,"))

	out, format, err := imageio.Decode(res.Image.Data)
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	require.Equal(t, image.Rect(0, 0, 80, 60), out.Bounds())
}

func BenchmarkRender(b *testing.B) {
	r := New(nil)
	img := createTestImage(1280, 960)
	dets := []types.Detection{
		det(types.Box{100, 100, 400, 300}, "Scratch", 0.9),
		det(types.Box{500, 400, 900, 800}, "Dent", 0.7),
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = r.Render(ctx, img, dets)
	}
}
