package inference

import (
	"errors"
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/rdqcc/defect-overlay/pkg/types"
)

// ScalingInfo describes how a crop was resized and padded before second-stage inference.
type ScalingInfo struct {
	ScaleX  float64 `json:"scale_x"`
	ScaleY  float64 `json:"scale_y"`
	PadLeft float64 `json:"pad_left"`
	PadTop  float64 `json:"pad_top"`
}

// SecondStageDetection is a detection in crop-local coordinates.
type SecondStageDetection struct {
	types.Detection
	ScalingInfo *ScalingInfo `json:"scaling_info,omitempty"`
	CropBox     types.Box    `json:"crop_box,omitempty"`
}

// PredictResponse is the body of a successful two-stage prediction.
type PredictResponse struct {
	Status          string                 `json:"status"`
	Message         string                 `json:"message,omitempty"`
	FirstStage      []types.Detection      `json:"first_stage"`
	SecondStage     []SecondStageDetection `json:"second_stage"`
	FinalDetections []types.Detection      `json:"final_detections,omitempty"`
}

// RemapToOriginal maps a second-stage box into original image space with
// original = local / scale + crop_offset - pad on each axis. Detections without
// scaling metadata are returned unchanged.
func RemapToOriginal(d SecondStageDetection) (types.Detection, error) {
	out := d.Detection
	out.Box = append(types.Box(nil), d.Box...)
	if d.ScalingInfo == nil || d.CropBox == nil {
		return out, nil
	}

	s := d.ScalingInfo
	if !positiveFinite(s.ScaleX) || !positiveFinite(s.ScaleY) {
		return out, fmt.Errorf("invalid scale %vx%v", s.ScaleX, s.ScaleY)
	}
	if len(d.CropBox) < 2 {
		return out, fmt.Errorf("crop box has %d coordinates", len(d.CropBox))
	}
	if len(d.Box) != 4 {
		return out, fmt.Errorf("box has %d coordinates, want 4", len(d.Box))
	}

	offX, offY := d.CropBox[0], d.CropBox[1]
	out.Box = types.Box{
		d.Box[0]/s.ScaleX + offX - s.PadLeft,
		d.Box[1]/s.ScaleY + offY - s.PadTop,
		d.Box[2]/s.ScaleX + offX - s.PadLeft,
		d.Box[3]/s.ScaleY + offY - s.PadTop,
	}
	return out, nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Detections returns the boxes to draw, all in original image space. Final detections
// win when present; otherwise second-stage entries are remapped, and first-stage
// entries are used when there was no second stage. Entries that cannot be remapped
// are dropped and reported in the joined error.
func (r *PredictResponse) Detections() ([]types.Detection, error) {
	switch {
	case r.FinalDetections != nil:
		return cloneAll(r.FinalDetections), nil
	case r.SecondStage != nil:
		var errs []error
		out := lo.FilterMap(r.SecondStage, func(d SecondStageDetection, i int) (types.Detection, bool) {
			mapped, err := RemapToOriginal(d)
			if err != nil {
				errs = append(errs, fmt.Errorf("second stage detection %d: %w", i, err))
				return types.Detection{}, false
			}
			return mapped, true
		})
		return out, errors.Join(errs...)
	default:
		return cloneAll(r.FirstStage), nil
	}
}

func cloneAll(dets []types.Detection) []types.Detection {
	return lo.Map(dets, func(d types.Detection, _ int) types.Detection {
		d.Box = append(types.Box(nil), d.Box...)
		return d
	})
}
