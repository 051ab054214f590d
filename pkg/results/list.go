// Package results tracks which detections of a prediction are shown on the overlay.
package results

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/rdqcc/defect-overlay/pkg/types"
)

// MasterState is the tri-state of a "show all" toggle.
type MasterState int

const (
	Unchecked MasterState = iota
	Checked
	Indeterminate
)

func (s MasterState) String() string {
	switch s {
	case Checked:
		return "checked"
	case Indeterminate:
		return "indeterminate"
	default:
		return "unchecked"
	}
}

// Entry is one display row.
type Entry struct {
	Index   int    `json:"index"`
	Title   string `json:"title"`
	Score   string `json:"score"`
	Visible bool   `json:"visible"`
}

// List holds a fixed set of detections and their visibility. It is not safe for
// concurrent use.
type List struct {
	detections []types.Detection
	visible    []bool
}

// NewList copies detections. Initial visibility follows each detection's flag.
func NewList(detections []types.Detection) *List {
	l := &List{
		detections: make([]types.Detection, len(detections)),
		visible:    make([]bool, len(detections)),
	}
	for i, d := range detections {
		l.detections[i] = d.WithVisible(d.IsVisible())
		l.visible[i] = d.IsVisible()
	}
	return l
}

// Len returns the number of detections.
func (l *List) Len() int {
	return len(l.detections)
}

// SetVisible shows or hides detection i.
func (l *List) SetVisible(i int, v bool) error {
	if i < 0 || i >= len(l.visible) {
		return fmt.Errorf("detection index %d out of range [0, %d)", i, len(l.visible))
	}
	l.visible[i] = v
	return nil
}

// SetAll shows or hides every detection.
func (l *List) SetAll(v bool) {
	for i := range l.visible {
		l.visible[i] = v
	}
}

// Master reports the state of the "show all" toggle.
func (l *List) Master() MasterState {
	shown := lo.Count(l.visible, true)
	switch {
	case shown == 0:
		return Unchecked
	case shown == len(l.visible):
		return Checked
	default:
		return Indeterminate
	}
}

// Detections returns a fresh copy of the detections with their current visibility.
func (l *List) Detections() []types.Detection {
	return lo.Map(l.detections, func(d types.Detection, i int) types.Detection {
		return d.WithVisible(l.visible[i])
	})
}

// Entries returns the display rows, numbered from 1.
func (l *List) Entries() []Entry {
	return lo.Map(l.detections, func(d types.Detection, i int) Entry {
		return Entry{
			Index:   i,
			Title:   fmt.Sprintf("%d. %s", i+1, d.ClassName),
			Score:   d.ScoreText() + "%",
			Visible: l.visible[i],
		}
	})
}
