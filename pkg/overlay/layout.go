package overlay

import (
	"fmt"
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/rdqcc/defect-overlay/pkg/types"
)

// Palette is the fixed box colour cycle, indexed by position among drawn detections.
var Palette = mustPalette(
	"#dfbee8", "#7ec3ed", "#616ca8", "#8180b4", "#c8a2c8",
	"#a0d2eb", "#d43f3a", "#46b8da", "#F0AD4E", "#4cae4c",
)

const (
	maxClassRunes   = 20
	truncatedRunes  = 18
	referenceLength = 1000.0
)

func mustPalette(hexes ...string) []color.NRGBA {
	out := make([]color.NRGBA, len(hexes))
	for i, h := range hexes {
		c, err := colorful.Hex(h)
		if err != nil {
			panic(fmt.Sprintf("overlay: bad palette colour %q: %v", h, err))
		}
		r, g, b := c.RGB255()
		out[i] = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	return out
}

// Rect is a float rectangle in canvas pixels.
type Rect struct {
	X, Y, W, H float64
}

// Mark is everything needed to paint one detection.
type Mark struct {
	Detection types.Detection
	Color     color.NRGBA
	LineWidth float64
	Box       Rect
	Label     string
	FontSize  float64
	// LabelRect width is filled in once the text has been measured.
	LabelRect Rect
	TextX     float64
	TextY     float64
}

// Metrics are the canvas-wide sizes derived from the image resolution.
type Metrics struct {
	ScaleFactor float64
	LineWidth   float64
	Padding     float64
	TextOffset  float64
}

// jsRound rounds half up, matching Math.round.
func jsRound(v float64) float64 {
	return math.Floor(v + 0.5)
}

// ComputeMetrics derives stroke and spacing sizes for a width x height canvas.
func ComputeMetrics(width, height int) Metrics {
	sf := math.Max(0.001, float64(max(width, height))/referenceLength)
	return Metrics{
		ScaleFactor: sf,
		LineWidth:   math.Max(2, jsRound(4*sf)),
		Padding:     math.Max(4, jsRound(8*sf)),
		TextOffset:  math.Max(2, jsRound(4*sf)),
	}
}

// LabelText composes "{class} {score}%", shortening long class names.
func LabelText(d types.Detection) string {
	name := []rune(d.ClassName)
	className := d.ClassName
	if len(name) > maxClassRunes {
		className = string(name[:truncatedRunes]) + "..."
	}
	return fmt.Sprintf("%s %s%%", className, d.ScoreText())
}

// FontSize scales label text with the image and shrinks it for small boxes.
func FontSize(m Metrics, boxW, boxH float64, width, height int) float64 {
	canvasArea := float64(width) * float64(height)
	ratio := math.Min(1, math.Sqrt((boxW*boxH)/canvasArea)*10)
	return math.Max(10, jsRound(20*m.ScaleFactor*ratio))
}

// Plan filters detections and lays out the marks for a width x height canvas.
// Colours are assigned by position among kept detections, so hidden or invalid
// entries never shift the colours of the others.
func Plan(width, height int, detections []types.Detection) ([]Mark, []InvalidDetectionWarning) {
	m := ComputeMetrics(width, height)

	var (
		marks   []Mark
		skipped []InvalidDetectionWarning
	)
	for i, d := range detections {
		if !d.IsVisible() {
			continue
		}
		if w := validate(i, d); w != nil {
			skipped = append(skipped, *w)
			continue
		}

		x1, y1 := d.Box[0], d.Box[1]
		bw, bh := d.Box.Width(), d.Box.Height()
		fontSize := FontSize(m, bw, bh, width, height)
		textHeight := fontSize * 1.2
		labelY := math.Max(0, y1-textHeight)

		marks = append(marks, Mark{
			Detection: d,
			Color:     Palette[len(marks)%len(Palette)],
			LineWidth: m.LineWidth,
			Box:       Rect{X: x1, Y: y1, W: bw, H: bh},
			Label:     LabelText(d),
			FontSize:  fontSize,
			LabelRect: Rect{X: x1, Y: labelY, H: textHeight},
			TextX:     x1 + m.TextOffset,
			TextY:     labelY + fontSize,
		})
	}
	return marks, skipped
}

func validate(index int, d types.Detection) *InvalidDetectionWarning {
	if len(d.Box) != 4 {
		return &InvalidDetectionWarning{Index: index, Box: d.Box, Reason: fmt.Sprintf("box has %d coordinates, want 4", len(d.Box))}
	}
	for _, c := range d.Box {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return &InvalidDetectionWarning{Index: index, Box: d.Box, Reason: "box has a non-finite coordinate"}
		}
	}
	if d.Box.Width() <= 0 || d.Box.Height() <= 0 {
		return &InvalidDetectionWarning{Index: index, Box: d.Box, Reason: "box has zero area"}
	}
	return nil
}

// InvalidDetectionWarning records a visible detection that was skipped. It is never
// returned as an error from Render.
type InvalidDetectionWarning struct {
	Index  int
	Reason string
	Box    types.Box
}

func (w InvalidDetectionWarning) Error() string {
	return fmt.Sprintf("detection %d skipped: %s (box %v)", w.Index, w.Reason, []float64(w.Box))
}
