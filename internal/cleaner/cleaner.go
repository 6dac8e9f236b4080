// Package cleaner is the Data Cleaner: per-sensor quality repair run on
// every Window before it reaches the Feature Engineer.
//
// Stages run in strict order and are documented at each method: missing-value
// handling (interpolate / smoother / alarm, selected by estimated gap
// duration), outlier clipping (z-score), then physical-bounds enforcement.
package cleaner

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/scionresearch/bioprocess-pipeline/internal/config"
	"github.com/scionresearch/bioprocess-pipeline/internal/model"
)

const (
	shortGapMinutes = 5.0
	longGapMinutes  = 30.0

	observationVariance = 1.0
	transitionVariance  = 0.1

	outlierZThreshold = 3.0
	minOutlierSamples = 3
)

// Cleaner repairs one Window at a time and accumulates process-wide
// QualityStats. Not safe for concurrent Clean calls — the orchestrator
// serializes all cleaning through its single worker.
type Cleaner struct {
	bounds map[string]config.Bounds
	stats  model.QualityStats
	logger *zap.Logger
}

// New returns a Cleaner using the given physical-bounds table.
func New(bounds map[string]config.Bounds, logger *zap.Logger) *Cleaner {
	return &Cleaner{bounds: bounds, logger: logger}
}

// Stats returns a copy of the current process-wide QualityStats.
func (c *Cleaner) Stats() model.QualityStats { return c.stats }

// ResetStats zeroes the process-wide QualityStats. Called by the
// orchestrator's ResetBatch.
func (c *Cleaner) ResetStats() { c.stats.Reset() }

// Clean runs the three repair stages on window in order and returns the
// cleaned window alongside a QualityReport. Global QualityStats are
// incremented as a side effect.
func (c *Cleaner) Clean(window model.Window, samplePeriodSeconds float64) (model.Window, model.QualityReport) {
	// The Gateway is not required to return samples in time order; sort here
	// so every downstream stage can assume monotone timestamps.
	sort.Slice(window.Samples, func(i, j int) bool {
		return window.Samples[i].Time.Before(window.Samples[j].Time)
	})

	report := model.QualityReport{
		Tag:           window.Tag,
		OriginalCount: len(window.Samples),
	}

	values := window.Values()
	values, report = c.handleMissing(values, samplePeriodSeconds, report)
	values = c.clipOutliers(values, &report)
	values = c.enforceBounds(window.Tag, values, &report)

	c.stats.Add(report)

	cleaned := model.Window{Tag: window.Tag, Samples: make([]model.Sample, len(window.Samples))}
	for i, s := range window.Samples {
		cleaned.Samples[i] = model.Sample{Time: s.Time, Value: values[i]}
	}
	return cleaned, report
}

// handleMissing is stage (1): count NaNs, estimate the equivalent gap
// duration, and select a repair mode by gap length.
//
//	gap < 5min             -> linear interpolation (both directions at boundaries)
//	5min <= gap < 30min     -> scalar Kalman smoother
//	gap >= 30min            -> failed; alarm missing_data_too_long, NaN kept
//
// A smoother selection with fewer than two finite anchor points falls back
// to forward-then-backward fill.
func (c *Cleaner) handleMissing(values []float64, samplePeriodSeconds float64, report model.QualityReport) ([]float64, model.QualityReport) {
	total := len(values)
	missing := 0
	for _, v := range values {
		if math.IsNaN(v) {
			missing++
		}
	}
	report.MissingCount = missing

	if total == 0 || missing == 0 {
		report.Interpolation = model.NoFill
		return values, report
	}

	spanMinutes := float64(total) * samplePeriodSeconds / 60.0
	gapMinutes := (float64(missing) / float64(total)) * spanMinutes
	report.MissingMinutes = gapMinutes

	finite := 0
	for _, v := range values {
		if !math.IsNaN(v) {
			finite++
		}
	}

	switch {
	case gapMinutes < shortGapMinutes:
		report.Interpolation = model.Linear
		return linearInterpolate(values), report
	case gapMinutes < longGapMinutes:
		if finite < 2 {
			report.Interpolation = model.Smoother
			return fillForwardBack(values), report
		}
		report.Interpolation = model.Smoother
		return scalarKalmanSmooth(values, observationVariance, transitionVariance), report
	default:
		report.Interpolation = model.Failed
		report.Alarm = "missing_data_too_long"
		return values, report
	}
}

// linearInterpolate fills NaN runs by linear interpolation between the
// nearest finite neighbours, extending the nearest finite value at either
// boundary.
func linearInterpolate(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	n := len(out)

	i := 0
	for i < n {
		if !math.IsNaN(out[i]) {
			i++
			continue
		}
		// Find the run [i, j) of NaNs.
		j := i
		for j < n && math.IsNaN(out[j]) {
			j++
		}
		var before, after float64
		haveBefore, haveAfter := false, false
		if i > 0 {
			before, haveBefore = out[i-1], true
		}
		if j < n {
			after, haveAfter = out[j], true
		}
		switch {
		case haveBefore && haveAfter:
			step := (after - before) / float64(j-i+1)
			for k := i; k < j; k++ {
				out[k] = before + step*float64(k-i+1)
			}
		case haveBefore:
			for k := i; k < j; k++ {
				out[k] = before
			}
		case haveAfter:
			for k := i; k < j; k++ {
				out[k] = after
			}
		}
		i = j
	}
	return out
}

// clipOutliers is stage (2): compute population mean/std over finite values,
// skip if sigma == 0 or n < 3, else flag |z| > 3 and clip the whole series to
// [mean-3sigma, mean+3sigma].
func (c *Cleaner) clipOutliers(values []float64, report *model.QualityReport) []float64 {
	var sum float64
	n := 0
	for _, v := range values {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n < minOutlierSamples {
		return values
	}
	mean := sum / float64(n)

	var sumSq float64
	for _, v := range values {
		if !math.IsNaN(v) {
			sumSq += (v - mean) * (v - mean)
		}
	}
	sigma := math.Sqrt(sumSq / float64(n))
	if sigma == 0 {
		return values
	}

	lo, hi := mean-outlierZThreshold*sigma, mean+outlierZThreshold*sigma
	out := make([]float64, len(values))
	copy(out, values)
	clipped := 0
	for i, v := range out {
		if math.IsNaN(v) {
			continue
		}
		z := (v - mean) / sigma
		if math.Abs(z) > outlierZThreshold {
			clipped++
		}
		if v < lo {
			out[i] = lo
		} else if v > hi {
			out[i] = hi
		}
	}
	report.OutliersClipped = clipped
	return out
}

// enforceBounds is stage (3): replace out-of-interval values with NaN and
// raise the physical_bounds_violation alarm. A stage (1) alarm is never
// overwritten — missing_data_too_long takes priority since it already
// describes a worse condition.
func (c *Cleaner) enforceBounds(tag string, values []float64, report *model.QualityReport) []float64 {
	b, ok := c.bounds[tag]
	if !ok {
		return values
	}
	out := make([]float64, len(values))
	copy(out, values)
	invalid := 0
	for i, v := range out {
		if math.IsNaN(v) {
			continue
		}
		if v < b.Min || v > b.Max {
			out[i] = math.NaN()
			invalid++
		}
	}
	report.InvalidCount = invalid
	if invalid > 0 && report.Alarm == "" {
		report.Alarm = "physical_bounds_violation"
	}
	return out
}

// CompletenessExpected returns floor(durationSeconds / samplePeriodSeconds),
// the same denominator model.IsComplete computes for the orchestrator's
// completeness check.
func CompletenessExpected(durationSeconds, samplePeriodSeconds float64) int {
	return int(math.Floor(durationSeconds / samplePeriodSeconds))
}
