package feature_test

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scionresearch/bioprocess-pipeline/internal/config"
	"github.com/scionresearch/bioprocess-pipeline/internal/feature"
	"github.com/scionresearch/bioprocess-pipeline/internal/model"
)

func constWindow(tag string, v float64, n int) model.Window {
	w := model.Window{Tag: tag}
	base := time.Now()
	for i := 0; i < n; i++ {
		w.Samples = append(w.Samples, model.Sample{Time: base.Add(time.Duration(i) * time.Second), Value: v})
	}
	return w
}

func baseCfg() config.PipelineConfig {
	return config.PipelineConfig{
		WindowSeconds:       30,
		WorkingVolumeL:      0.9,
		StandardPressureBar: 1.013,
		AirO2Fraction:       0.21,
	}
}

// Seed scenario 5: gas balance.
func TestEngineer_GasBalance(t *testing.T) {
	windows := map[string]model.Window{
		model.TagGasFlowInlet:    constWindow(model.TagGasFlowInlet, 1.0, 30),
		model.TagGasFlowOutlet:   constWindow(model.TagGasFlowOutlet, 1.0, 30),
		model.TagOffGasCO2:       constWindow(model.TagOffGasCO2, 2.0, 30),
		model.TagOffGasO2:        constWindow(model.TagOffGasO2, 20.0, 30),
		model.TagReactorPressure: constWindow(model.TagReactorPressure, 1.02, 30),
	}
	eng := feature.New(baseCfg(), zap.NewNop())
	fs := eng.Engineer(windows, time.Now())

	cer, ok := fs.Values["CER"]
	if !ok || cer <= 0 {
		t.Fatalf("expected CER > 0, got %v (ok=%v)", cer, ok)
	}
	our, ok := fs.Values["OUR"]
	if !ok || our <= 0 {
		t.Fatalf("expected OUR > 0, got %v (ok=%v)", our, ok)
	}
	rq, ok := fs.Values["RQ"]
	if !ok {
		t.Fatalf("expected RQ to be emitted when OUR > 0")
	}
	if rq < 0.8 || rq > 1.2 {
		t.Errorf("expected RQ near 1.0 +/- 0.2, got %f", rq)
	}
}

// RQ must never be emitted when OUR <= 0.
func TestEngineer_RQOmittedWhenOURNonPositive(t *testing.T) {
	windows := map[string]model.Window{
		model.TagGasFlowInlet:    constWindow(model.TagGasFlowInlet, 1.0, 30),
		model.TagGasFlowOutlet:   constWindow(model.TagGasFlowOutlet, 5.0, 30), // drives OUR negative
		model.TagOffGasCO2:       constWindow(model.TagOffGasCO2, 2.0, 30),
		model.TagOffGasO2:        constWindow(model.TagOffGasO2, 20.0, 30),
		model.TagReactorPressure: constWindow(model.TagReactorPressure, 1.02, 30),
	}
	eng := feature.New(baseCfg(), zap.NewNop())
	fs := eng.Engineer(windows, time.Now())

	if our, ok := fs.Values["OUR"]; ok && our > 0 {
		t.Fatalf("test setup expected OUR <= 0, got %f", our)
	}
	if _, ok := fs.Values["RQ"]; ok {
		t.Errorf("RQ must not be emitted when OUR <= 0")
	}
}

// Phase one-hot: exactly one flag set for each mu regime, including exact
// boundary values (0.02 -> stationary, 0.08 -> exp per the spec's tie-break).
func TestEngineer_PhaseOneHotBoundaries(t *testing.T) {
	cases := []struct {
		mu                          float64
		wantLag, wantExp, wantStat float64
	}{
		{0.01, 1, 0, 0},
		{0.02, 0, 0, 1},
		{0.0799, 0, 0, 1},
		{0.08, 0, 1, 0},
		{0.5, 0, 1, 0},
	}
	for _, c := range cases {
		lag, exp, stat := feature.ClassifyPhase(c.mu)
		if lag != c.wantLag || exp != c.wantExp || stat != c.wantStat {
			t.Errorf("mu=%v: got (lag=%v,exp=%v,stationary=%v), want (%v,%v,%v)",
				c.mu, lag, exp, stat, c.wantLag, c.wantExp, c.wantStat)
		}
		if lag+exp+stat != 1 {
			t.Errorf("mu=%v: expected exactly one flag set, got sum=%v", c.mu, lag+exp+stat)
		}
	}
}

// A reconstructed constant-growth-rate OD series should drive mu into the
// expected phase, without relying on exact boundary floating-point equality.
func TestEngineer_PhaseFromReconstructedODSeries(t *testing.T) {
	odVals := muToODSeries(0.5, 10)
	windows := map[string]model.Window{model.TagOD: odVals}
	eng := feature.New(baseCfg(), zap.NewNop())
	fs := eng.Engineer(windows, time.Now())

	if fs.Values["phase_exp"] != 1 {
		t.Errorf("expected phase_exp for a fast-growing OD series, got %v", fs.Values)
	}
}

// muToODSeries builds an OD window whose growth rate is approximately mu by
// constructing an exponential-style series ln(OD) = mu/3600 * t.
func muToODSeries(muPerHour float64, n int) model.Window {
	w := model.Window{Tag: model.TagOD}
	base := time.Now()
	muPerSec := muPerHour / 3600.0
	od0 := 1.0
	for i := 0; i < n; i++ {
		od := od0 * math.Exp(muPerSec*float64(i))
		w.Samples = append(w.Samples, model.Sample{Time: base.Add(time.Duration(i) * time.Second), Value: od})
	}
	return w
}

// Seed scenario 6: cumulative integral after reset.
func TestEngineer_CumulativeAfterReset(t *testing.T) {
	cfg := baseCfg()
	cfg.WindowSeconds = 30
	eng := feature.New(cfg, zap.NewNop())
	eng.ResetHistory()

	// Directly exercise the integration math: 5 cycles of CER=OUR=0.1.
	var h model.CumulativeHistory
	dt := float64(cfg.WindowSeconds) / 3600.0
	for i := 0; i < 5; i++ {
		h.Integrate(0.1, 0.1, 0, dt)
	}
	want := 5 * 0.1 * (30.0 / 3600.0)
	if math.Abs(h.CumulativeCO2-want) > 1e-6 {
		t.Errorf("expected cumulative_CO2 ~= %f, got %f", want, h.CumulativeCO2)
	}

	h.Reset()
	if h.CumulativeCO2 > 1e-6 || h.CumulativeO2 > 1e-6 || h.CumulativeOD > 1e-6 {
		t.Errorf("expected all cumulative values < 1e-6 after reset, got %+v", h)
	}
}

func TestEngineer_ResilientToMissingInputs(t *testing.T) {
	eng := feature.New(baseCfg(), zap.NewNop())
	fs := eng.Engineer(map[string]model.Window{}, time.Now())
	if len(fs.Values) != 3 {
		// Only the three cumulative_* features survive (all starting at 0,
		// which is finite and therefore published).
		t.Errorf("expected only cumulative features for an empty window map, got %v", fs.Values)
	}
}
