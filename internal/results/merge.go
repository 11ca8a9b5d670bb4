package results

import (
	"github.com/bdougie/spotflow/internal/models"
)

// Merge flattens the accumulator into full-image coordinates. Spots are
// shifted by the region origin, timed as frame*frameInterval and ordered
// by frame then insertion. The accumulator is left untouched.
func Merge(acc *Accumulator, region models.Region, cal models.Calibration, frameInterval float64) []models.Spot {
	scale := cal.Spatial()
	var out []models.Spot
	for _, frame := range acc.Frames() {
		for _, s := range acc.Spots(frame) {
			s.X += float64(region.Min[0]) * scale[0]
			s.Y += float64(region.Min[1]) * scale[1]
			s.T = float64(frame) * frameInterval
			s.Frame = frame
			out = append(out, s)
		}
	}
	return out
}
