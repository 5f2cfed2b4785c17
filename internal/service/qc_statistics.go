package service

import (
	"fmt"
	"math"
	"sort"

	"github.com/labqc-server/internal/domain"
)

// ComputeStatistics derives mean, SD, CV and Levey-Jennings limits from the usable runs
// of one key. Runs that are pending or rejected are ignored. The reduction sorts the
// values first, so any ordering of the same runs yields bit-identical results.
func ComputeStatistics(key domain.RunKey, runs []*domain.QCRun) (*domain.QCStatistics, error) {
	usable := UsableRuns(runs)
	n := len(usable)
	if n < 2 {
		return nil, fmt.Errorf("%s has %d usable runs, need at least 2: %w", key, n, domain.ErrInsufficientHistory)
	}

	values := make([]float64, n)
	for i, r := range usable {
		values[i] = r.Value
	}
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var squares float64
	for _, v := range values {
		d := v - mean
		squares += d * d
	}
	sd := math.Sqrt(squares / float64(n-1))

	stats := &domain.QCStatistics{
		MaterialID: key.MaterialID,
		TestCode:   key.TestCode,
		N:          n,
		Mean:       mean,
		SD:         sd,
		Limits:     ControlLimitsFor(mean, sd),
		DataPoints: dataPoints(sortChronological(usable)),
	}
	// CV is undefined for a zero mean.
	if mean != 0 {
		cv := sd / mean * 100
		stats.CV = &cv
	}
	return stats, nil
}

// ControlLimitsFor returns the ±2SD warning and ±3SD control limits around mean.
func ControlLimitsFor(mean, sd float64) domain.ControlLimits {
	return domain.ControlLimits{
		Mean: mean,
		SD:   sd,
		UCL:  mean + 3*sd,
		UWL:  mean + 2*sd,
		LCL:  mean - 3*sd,
		LWL:  mean - 2*sd,
	}
}

// UsableRuns filters runs whose current disposition is accept or warn.
func UsableRuns(runs []*domain.QCRun) []*domain.QCRun {
	usable := make([]*domain.QCRun, 0, len(runs))
	for _, r := range runs {
		if r != nil && r.Disposition().IsUsable() && !math.IsNaN(r.Value) && !math.IsInf(r.Value, 0) {
			usable = append(usable, r)
		}
	}
	return usable
}

// sortChronological returns a copy of runs ordered by run date, then creation time and ID.
func sortChronological(runs []*domain.QCRun) []*domain.QCRun {
	out := append([]*domain.QCRun(nil), runs...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.RunDate.Equal(b.RunDate) {
			return a.RunDate.Before(b.RunDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func dataPoints(runs []*domain.QCRun) []domain.DataPoint {
	points := make([]domain.DataPoint, 0, len(runs))
	for _, r := range runs {
		points = append(points, domain.DataPoint{
			RunID:         r.ID,
			Value:         r.Value,
			RunDate:       r.RunDate,
			Status:        r.Disposition(),
			ViolatedRules: append([]domain.RuleID(nil), r.ViolatedRules...),
			ZScore:        r.ZScore,
		})
	}
	return points
}
