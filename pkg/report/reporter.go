package report

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/rdqcc/defect-overlay/pkg/types"
)

const defaultPrompt = `You are a visual quality inspector. The image shows a manufactured part.
An automated detector reported these defects (class, confidence, box x1,y1,x2,y2 in pixels):
%s
Write an inspection report as a single JSON object with the keys "summary",
"defects" (an array of objects with "class_name", "location" and "severity") and
"recommendation". Reply with JSON only.`

// Reporter turns detections into a Report, optionally asking a vision model.
type Reporter struct {
	generator Generator
	model     string
	prompt    string
	logger    *zap.Logger
}

// NewReporter creates a Reporter. A nil generator produces local summaries only.
func NewReporter(gen Generator, model string, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{generator: gen, model: model, prompt: defaultPrompt, logger: logger}
}

// HasGenerator reports whether a model backs the reporter.
func (r *Reporter) HasGenerator() bool {
	return r.generator != nil
}

// Generate builds a report for the visible detections on img, an encoded JPEG.
func (r *Reporter) Generate(ctx context.Context, img []byte, detections []types.Detection) (Report, error) {
	if r.generator == nil {
		return Summarize(detections), nil
	}
	shown := lo.Filter(detections, func(d types.Detection, _ int) bool { return d.IsVisible() })

	prompt := fmt.Sprintf(r.prompt, describeDetections(shown))
	raw, err := r.generator.Describe(ctx, r.model, prompt, base64.StdEncoding.EncodeToString(img))
	if err != nil {
		return nil, fmt.Errorf("report generation failed: %w", err)
	}

	cleaned := Sanitize(raw)
	if strings.HasPrefix(cleaned, "{") {
		rep, perr := Parse([]byte(cleaned))
		if perr == nil {
			return rep, nil
		}
		r.logger.Warn("model report is not valid JSON", zap.Error(perr))
	}
	return Report{{Key: "summary", Value: strings.TrimSpace(raw)}}, nil
}

func describeDetections(dets []types.Detection) string {
	if len(dets) == 0 {
		return "(none)"
	}
	lines := lo.Map(dets, func(d types.Detection, i int) string {
		return fmt.Sprintf("%d. %s, %s%%, %v", i+1, d.ClassName, d.ScoreText(), []float64(d.Box))
	})
	return strings.Join(lines, "\n")
}

// Summarize builds a report from the visible detections alone.
func Summarize(dets []types.Detection) Report {
	dets = lo.Filter(dets, func(d types.Detection, _ int) bool { return d.IsVisible() })
	if len(dets) == 0 {
		return Report{{Key: "summary", Value: "No defects detected."}}
	}

	groups := lo.GroupBy(dets, func(d types.Detection) string { return d.ClassName })
	classes := lo.Uniq(lo.Map(dets, func(d types.Detection, _ int) string { return d.ClassName }))
	byClass := lo.Map(classes, func(c string, _ int) Section {
		return Section{Key: c, Value: float64(len(groups[c]))}
	})

	top := lo.MaxBy(dets, func(a, b types.Detection) bool { return a.Confidence > b.Confidence })

	return Report{
		{Key: "summary", Value: fmt.Sprintf("Detected %d %s across %d %s.",
			len(dets), plural(len(dets), "defect", "defects"),
			len(classes), plural(len(classes), "class", "classes"))},
		{Key: "detections_by_class", Value: Report(byClass)},
		{Key: "highest_confidence", Value: Report{
			{Key: "class_name", Value: top.ClassName},
			{Key: "confidence", Value: top.ScoreText() + "%"},
		}},
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
