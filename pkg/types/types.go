package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Box holds bounding box coordinates [x1, y1, x2, y2] in source image pixels.
// Entries that could not be read as numbers decode to NaN so that validation can
// reject the box instead of the whole payload failing to parse.
type Box []float64

// UnmarshalJSON decodes a box leniently: null and non-numeric entries become NaN,
// numeric strings are parsed, and a non-array value yields an empty box.
func (b *Box) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*b = nil
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		*b = Box{}
		return nil
	}

	out := make(Box, len(raw))
	for i, r := range raw {
		out[i] = parseCoord(r)
	}
	*b = out
	return nil
}

func parseCoord(r json.RawMessage) float64 {
	var f float64
	if err := json.Unmarshal(r, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v
		}
	}
	return math.NaN()
}

// MarshalJSON writes non-finite coordinates as null.
func (b Box) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, c := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		if math.IsNaN(c) || math.IsInf(c, 0) {
			buf.WriteString("null")
			continue
		}
		buf.WriteString(strconv.FormatFloat(c, 'g', -1, 64))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Width returns x2-x1, or NaN for boxes that do not have four coordinates.
func (b Box) Width() float64 {
	if len(b) != 4 {
		return math.NaN()
	}
	return b[2] - b[0]
}

// Height returns y2-y1, or NaN for boxes that do not have four coordinates.
func (b Box) Height() float64 {
	if len(b) != 4 {
		return math.NaN()
	}
	return b[3] - b[1]
}

// Detection is one predicted object instance.
type Detection struct {
	Box        Box     `json:"box"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	Visible    *bool   `json:"visible,omitempty"`
}

// IsVisible reports whether the detection should be drawn. A missing flag counts as visible.
func (d Detection) IsVisible() bool {
	return d.Visible == nil || *d.Visible
}

// WithVisible returns a copy of d with the visibility flag set.
func (d Detection) WithVisible(v bool) Detection {
	d.Box = append(Box(nil), d.Box...)
	d.Visible = &v
	return d
}

// ScoreText formats the confidence as a percentage with one decimal, e.g. "87.3".
// Exact ties round away from zero.
func (d Detection) ScoreText() string {
	return toFixed1(d.Confidence * 100)
}

// toFixed1 formats v with one decimal, rounding the exact binary value of v and
// breaking ties upwards.
func toFixed1(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	}

	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	r := new(big.Rat).SetFloat64(v)
	r.Mul(r, big.NewRat(10, 1))
	r.Add(r, big.NewRat(1, 2))
	tenths := new(big.Int).Quo(r.Num(), r.Denom()).String()
	if len(tenths) < 2 {
		tenths = "0" + tenths
	}
	return sign + tenths[:len(tenths)-1] + "." + tenths[len(tenths)-1:]
}

// Bool returns a pointer to v, for building detections literally.
func Bool(v bool) *bool {
	return &v
}

// ModelDefaults names the default model for each stage.
type ModelDefaults struct {
	FirstStage  string `json:"first_stage"`
	SecondStage string `json:"second_stage"`
}

// ModelCatalog lists the models the inference API can serve.
type ModelCatalog struct {
	Models   []string       `json:"models"`
	Defaults *ModelDefaults `json:"defaults,omitempty"`
}

// Stage selects one pass of the two-stage pipeline.
type Stage int

const (
	FirstStage Stage = iota + 1
	SecondStage
)

func (s Stage) String() string {
	switch s {
	case FirstStage:
		return "First Stage"
	case SecondStage:
		return "Second Stage"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Label returns the display name of model in the selector for stage, marking the
// model when it is that stage's default.
func (c ModelCatalog) Label(model string, stage Stage) string {
	if c.Defaults == nil {
		return model
	}
	def := c.Defaults.FirstStage
	if stage == SecondStage {
		def = c.Defaults.SecondStage
	}
	if def == "" || model != def {
		return model
	}
	return fmt.Sprintf("%s (Default for %s)", model, stage)
}

// Labels returns the display names of every model for stage.
func (c ModelCatalog) Labels(stage Stage) []string {
	labels := make([]string, len(c.Models))
	for i, m := range c.Models {
		labels[i] = c.Label(m, stage)
	}
	return labels
}

// StatusType classifies a user-facing status message.
type StatusType string

const (
	StatusSuccess StatusType = "success"
	StatusError   StatusType = "error"
	StatusInfo    StatusType = "info"
)

// StatusMessage is a short user-facing message accompanying a result.
type StatusMessage struct {
	Message string     `json:"message"`
	Type    StatusType `json:"type"`
}

// NewStatus builds a status message.
func NewStatus(message string, t StatusType) StatusMessage {
	return StatusMessage{Message: message, Type: t}
}

func Success(message string) StatusMessage { return NewStatus(message, StatusSuccess) }
func Failure(message string) StatusMessage { return NewStatus(message, StatusError) }
func Info(message string) StatusMessage    { return NewStatus(message, StatusInfo) }
