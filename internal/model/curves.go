package model

import (
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/waitline/waitline/internal/dimensions"
	"github.com/waitline/waitline/internal/utils"
)

// SlotMinutes is the output resolution of every curve.
const SlotMinutes = 5

// Sources for backfill rows.
const (
	SourceObserved  = "observed"
	SourceImputed   = "imputed"
	SourcePredicted = "predicted"
)

// CurvePoint is one 5-minute slot of a forecast or backfill curve. Nil
// values mean the slot is null (park closed, no prediction possible).
type CurvePoint struct {
	Slot   time.Time
	Actual *float64
	Posted *float64
	Source string
}

// SlotLabel renders a slot as HH:MM in its own zone.
func (p CurvePoint) SlotLabel() string { return p.Slot.Format("15:04") }

// slotTimes enumerates the operating window at 5-minute resolution,
// inclusive of the opening slot, exclusive of the closing one.
func slotTimes(h dimensions.Hours) []time.Time {
	if !h.HasTimes || !h.Closing.After(h.Opening) {
		return nil
	}
	var slots []time.Time
	for t := h.Opening; t.Before(h.Closing); t = t.Add(SlotMinutes * time.Minute) {
		slots = append(slots, t)
	}
	return slots
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}

// writeCurveCSV persists a curve file atomically with the given header
// and row renderer.
func writeCurveCSV(path string, header []string, points []CurvePoint, render func(CurvePoint) []string) error {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, p := range points {
		if err := w.Write(render(p)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("write curve %s: %w", path, err)
	}
	return nil
}
