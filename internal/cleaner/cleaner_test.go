package cleaner_test

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scionresearch/bioprocess-pipeline/internal/cleaner"
	"github.com/scionresearch/bioprocess-pipeline/internal/config"
	"github.com/scionresearch/bioprocess-pipeline/internal/model"
)

func phBounds() map[string]config.Bounds {
	return map[string]config.Bounds{model.TagPH: {Min: 2.0, Max: 12.0}}
}

func windowOf(tag string, values []float64) model.Window {
	w := model.Window{Tag: tag}
	base := time.Now()
	for i, v := range values {
		w.Samples = append(w.Samples, model.Sample{Time: base.Add(time.Duration(i) * time.Second), Value: v})
	}
	return w
}

func mean(values []float64) float64 {
	var sum float64
	n := 0
	for _, v := range values {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	return sum / float64(n)
}

// Seed scenario 1: clean pH window, no missing/outliers/alarms.
func TestClean_CleanWindow(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		if i%2 == 0 {
			values[i] = 7.02
		} else {
			values[i] = 6.98
		}
	}

	c := cleaner.New(phBounds(), zap.NewNop())
	cleaned, report := c.Clean(windowOf(model.TagPH, values), 1.0)

	if report.MissingCount != 0 {
		t.Errorf("expected no missing, got %d", report.MissingCount)
	}
	if report.OutliersClipped != 0 {
		t.Errorf("expected no outliers, got %d", report.OutliersClipped)
	}
	if report.Alarm != "" {
		t.Errorf("expected no alarm, got %q", report.Alarm)
	}
	m := mean(cleaned.Values())
	if math.Abs(m-7.00) > 0.05 {
		t.Errorf("expected mean near 7.00, got %f", m)
	}
}

// Seed scenario 2: short gap selects linear interpolation.
func TestClean_ShortGapSelectsLinear(t *testing.T) {
	values := make([]float64, 30)
	for i := 0; i < 10; i++ {
		values[i] = 7.0
	}
	for i := 10; i < 13; i++ {
		values[i] = math.NaN()
	}
	for i := 13; i < 30; i++ {
		values[i] = 7.0
	}

	c := cleaner.New(phBounds(), zap.NewNop())
	cleaned, report := c.Clean(windowOf(model.TagPH, values), 1.0)

	if report.Interpolation != model.Linear {
		t.Fatalf("expected Linear interpolation, got %v", report.Interpolation)
	}
	for i, v := range cleaned.Values() {
		if math.IsNaN(v) {
			t.Fatalf("expected fully finite cleaned window, NaN at index %d", i)
		}
	}
	m := mean(cleaned.Values())
	if math.Abs(m-7.00) > 0.05 {
		t.Errorf("expected mean near 7.00, got %f", m)
	}
}

// Seed scenario 3: outlier spike clipped.
func TestClean_OutlierSpike(t *testing.T) {
	values := make([]float64, 30)
	for i := 0; i < 25; i++ {
		values[i] = 7.0
	}
	spikes := []float64{15, 16, 17, 18, 19}
	for i, v := range spikes {
		values[25+i] = v
	}

	c := cleaner.New(phBounds(), zap.NewNop())
	cleaned, report := c.Clean(windowOf(model.TagPH, values), 1.0)

	if report.OutliersClipped < 5 {
		t.Errorf("expected at least 5 outliers detected, got %d", report.OutliersClipped)
	}
	maxV := math.Inf(-1)
	for _, v := range cleaned.Values() {
		if v > maxV {
			maxV = v
		}
	}
	if maxV >= 15 {
		t.Errorf("expected clipped max < 15, got %f", maxV)
	}
}

// Seed scenario 4: out-of-bounds pH values trigger physical_bounds_violation.
func TestClean_OutOfBoundsTriggersAlarm(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 7.0
	}
	values[0] = 0.5
	values[1] = 12.5

	c := cleaner.New(phBounds(), zap.NewNop())
	cleaned, report := c.Clean(windowOf(model.TagPH, values), 1.0)

	if report.Alarm != "physical_bounds_violation" {
		t.Fatalf("expected physical_bounds_violation alarm, got %q", report.Alarm)
	}
	if report.InvalidCount != 2 {
		t.Errorf("expected 2 invalid values, got %d", report.InvalidCount)
	}
	if !math.IsNaN(cleaned.Samples[0].Value) || !math.IsNaN(cleaned.Samples[1].Value) {
		t.Errorf("expected out-of-bounds samples to be NaN after cleaning")
	}
}

// Boundary: all-NaN window yields missing_count == n, no finite survivors.
func TestClean_AllNaNWindow(t *testing.T) {
	values := make([]float64, 10)
	for i := range values {
		values[i] = math.NaN()
	}
	c := cleaner.New(phBounds(), zap.NewNop())
	cleaned, report := c.Clean(windowOf(model.TagPH, values), 1.0)

	if report.MissingCount != 10 {
		t.Errorf("expected missing_count=10, got %d", report.MissingCount)
	}
	if cleaned.FiniteCount() != 0 {
		t.Errorf("expected zero finite survivors, got %d", cleaned.FiniteCount())
	}
}

// Boundary: sigma == 0 yields zero outliers.
func TestClean_ZeroSigmaYieldsZeroOutliers(t *testing.T) {
	values := make([]float64, 10)
	for i := range values {
		values[i] = 7.0
	}
	c := cleaner.New(phBounds(), zap.NewNop())
	_, report := c.Clean(windowOf(model.TagPH, values), 1.0)
	if report.OutliersClipped != 0 {
		t.Errorf("expected zero outliers with sigma=0, got %d", report.OutliersClipped)
	}
}

// Boundary: gap selection at the 5.0/30.0 minute edges.
func TestClean_GapDurationModeSelection(t *testing.T) {
	// 100 samples at 1s => 100/60 minutes span ≈ 1.667min total span.
	// Use a longer synthetic span so percentages map cleanly to minutes.
	build := func(total, missing int) []float64 {
		values := make([]float64, total)
		for i := 0; i < missing; i++ {
			values[i] = math.NaN()
		}
		for i := missing; i < total; i++ {
			values[i] = 7.0
		}
		return values
	}

	// span = total * samplePeriod / 60; gap = missing/total * span.
	// Choose total=3600 (1 hour at 1s) so gap_minutes == missing/total*60.
	total := 3600

	// gap just under 5 min: missing/total*60 < 5  => missing < 300
	c := cleaner.New(phBounds(), zap.NewNop())
	_, report := c.Clean(windowOf(model.TagPH, build(total, 299)), 1.0)
	if report.Interpolation != model.Linear {
		t.Errorf("gap just under 5min: expected Linear, got %v", report.Interpolation)
	}

	// gap just over 5 min: missing > 300 => smoother
	_, report = c.Clean(windowOf(model.TagPH, build(total, 301)), 1.0)
	if report.Interpolation != model.Smoother {
		t.Errorf("gap just over 5min: expected Smoother, got %v", report.Interpolation)
	}

	// gap just over 30 min: missing > 1800 => failed
	_, report = c.Clean(windowOf(model.TagPH, build(total, 1801)), 1.0)
	if report.Interpolation != model.Failed {
		t.Errorf("gap just over 30min: expected Failed, got %v", report.Interpolation)
	}
	if report.Alarm != "missing_data_too_long" {
		t.Errorf("expected missing_data_too_long alarm, got %q", report.Alarm)
	}
}

func TestCompletenessExpected(t *testing.T) {
	if got := cleaner.CompletenessExpected(30, 1.0); got != 30 {
		t.Errorf("expected 30, got %d", got)
	}
}
