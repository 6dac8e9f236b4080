// Package feature is the Feature Engineer: derives gas-balance rates, growth
// rate, specific rates, mass-transfer, thermal and pressure diagnostics,
// phase state, and cumulative integrals from a cycle's cleaned Windows.
//
// Every sub-stage is resilient to missing inputs: a tag absent from the
// cycle's window map, or one with too few finite samples, simply causes that
// sub-stage's features to be omitted rather than failing the cycle.
package feature

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/scionresearch/bioprocess-pipeline/internal/config"
	"github.com/scionresearch/bioprocess-pipeline/internal/model"
)

const (
	odFloor           = 0.01
	savgolWindow      = 5
	savgolMinWindow   = 3
	motorTempWarnC    = 60.0
	pressureAnomalyBar = 0.1
	kLaMinDeltaC      = 0.1
	dcwFactor         = 0.4
	dcwMinFloor       = 0.01
	molarVolume       = 22.4
	oxygenMolarMassMg = 32000.0
	kLaSaturationCoef = 8.0
)

// Engineer owns CumulativeHistory across cycles; it must never be shared
// across vessels.
type Engineer struct {
	cfg     config.PipelineConfig
	history model.CumulativeHistory
	logger  *zap.Logger
}

// New returns an Engineer configured with the stoichiometric constants from
// cfg.
func New(cfg config.PipelineConfig, logger *zap.Logger) *Engineer {
	return &Engineer{cfg: cfg, logger: logger}
}

// History returns a copy of the current cumulative integrals.
func (e *Engineer) History() model.CumulativeHistory { return e.history }

// ResetHistory zeroes the cumulative integrals. Called by the orchestrator's
// ResetBatch.
func (e *Engineer) ResetHistory() { e.history.Reset() }

// Engineer computes the full FeatureSet for one cycle from its cleaned
// windows, stamped at ts.
func (e *Engineer) Engineer(windows map[string]model.Window, ts time.Time) model.FeatureSet {
	fs := model.NewFeatureSet(ts)

	stats := e.basicStatistics(windows, fs)
	cer, our, _ := e.gasBalance(windows, fs)
	mu := e.growthRate(windows, fs)
	e.specificRates(stats, cer, our, fs)
	e.kLa(stats, our, fs)
	e.thermal(windows, fs)
	e.pressure(windows, fs)
	e.phaseState(mu, fs)

	odMean := math.NaN()
	if st, ok := stats[model.TagOD]; ok {
		odMean = st.mean
	}
	dt := float64(e.cfg.WindowSeconds) / 3600.0
	e.history.Integrate(cer, our, odMean, dt)
	fs.Set("cumulative_CO2", e.history.CumulativeCO2)
	fs.Set("cumulative_O2", e.history.CumulativeO2)
	fs.Set("cumulative_OD", e.history.CumulativeOD)

	return fs
}

// tagStats holds stage (a)'s per-tag basic statistics.
type tagStats struct {
	mean, std, min, max, slope float64
	n                          int
}

// basicStatistics is stage (a): mean/std/min/max/slope for every tag with at
// least 2 finite points. std is the population standard deviation; slope is
// the OLS slope against the integer index of the finite subsequence.
func (e *Engineer) basicStatistics(windows map[string]model.Window, fs model.FeatureSet) map[string]tagStats {
	out := make(map[string]tagStats)
	for tag, w := range windows {
		vals := finiteValues(w)
		if len(vals) < 2 {
			continue
		}
		st := computeStats(vals)
		out[tag] = st
		fs.Set(tag+"_mean", st.mean)
		fs.Set(tag+"_std", st.std)
		fs.Set(tag+"_min", st.min)
		fs.Set(tag+"_max", st.max)
		fs.Set(tag+"_slope", st.slope)
	}
	return out
}

func finiteValues(w model.Window) []float64 {
	out := make([]float64, 0, len(w.Samples))
	for _, s := range w.Samples {
		if !math.IsNaN(s.Value) && !math.IsInf(s.Value, 0) {
			out = append(out, s.Value)
		}
	}
	return out
}

func computeStats(vals []float64) tagStats {
	n := len(vals)
	var sum float64
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(n)

	var sumSq float64
	for _, v := range vals {
		sumSq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sumSq / float64(n))

	// OLS slope against integer index 0..n-1.
	var sx, sxx, sxy, sy float64
	for i, v := range vals {
		x := float64(i)
		sx += x
		sxx += x * x
		sxy += x * v
		sy += v
	}
	denom := float64(n)*sxx - sx*sx
	var slope float64
	if denom != 0 {
		slope = (float64(n)*sxy - sx*sy) / denom
	}

	return tagStats{mean: mean, std: std, min: min, max: max, slope: slope, n: n}
}

// gasBalance is stage (b): CER, OUR, RQ from mean flow, off-gas, and
// pressure readings. Reads each tag's mean directly off the window via
// windowMean, ungated by basicStatistics' n>=2 threshold — a window with a
// single finite sample still yields a mean and must still produce a value,
// matching the original implementation (only a NaN mean, not a low sample
// count, short-circuits a gas-balance output). Returns NaN for any output
// this cycle's inputs cannot support.
func (e *Engineer) gasBalance(windows map[string]model.Window, fs model.FeatureSet) (cer, our, rq float64) {
	cer, our, rq = math.NaN(), math.NaN(), math.NaN()

	fInMean, ok := windowMean(windows, model.TagGasFlowInlet)
	if !ok {
		return
	}
	yCO2Mean, ok := windowMean(windows, model.TagOffGasCO2)
	if !ok {
		return
	}
	yO2Mean, ok := windowMean(windows, model.TagOffGasO2)
	if !ok {
		return
	}
	pressMean, ok := windowMean(windows, model.TagReactorPressure)
	if !ok {
		return
	}

	fOutMean := fInMean
	if m, ok := windowMean(windows, model.TagGasFlowOutlet); ok {
		fOutMean = m
	}

	fInH := fInMean * 60.0
	fOutH := fOutMean * 60.0
	yCO2Frac := yCO2Mean / 100.0
	yO2Frac := yO2Mean / 100.0
	k := pressMean / e.cfg.StandardPressureBar

	cerVol := (fInH * yCO2Frac * k) / e.cfg.WorkingVolumeL
	ourVol := ((fInH*e.cfg.AirO2Fraction - fOutH*yO2Frac) * k) / e.cfg.WorkingVolumeL

	cer = cerVol / molarVolume
	our = ourVol / molarVolume

	fs.Set("CER", cer)
	fs.Set("OUR", our)

	if our > 0 {
		rq = cer / our
		fs.Set("RQ", rq)
	}
	return
}

// growthRate is stage (c): mu (h^-1) from a Savitzky-Golay derivative of
// ln(OD), floored at odFloor before taking the log. Matches scipy's
// savgol_filter(deriv=1, mode='interp'): one fixed-length window sized from
// the whole series, evaluated at the window centre for interior points and
// at the true offset within the nearest full window for edge points
// (rather than a growing trailing window, which would lag and shorten the
// derivative series). Publishes mu_mean/mu_std over the full derivative
// series and mu as its last (most recent) value.
func (e *Engineer) growthRate(windows map[string]model.Window, fs model.FeatureSet) float64 {
	w, ok := windows[model.TagOD]
	if !ok {
		return math.NaN()
	}
	vals := finiteValues(w)
	if len(vals) < savgolMinWindow {
		return math.NaN()
	}

	lnOD := make([]float64, len(vals))
	for i, v := range vals {
		floored := v
		if floored < odFloor {
			floored = odFloor
		}
		lnOD[i] = math.Log(floored)
	}

	n := len(lnOD)
	windowLen := adaptWindowLen(n, savgolMinWindow)
	if windowLen == 0 {
		return math.NaN()
	}
	if windowLen > savgolWindow {
		windowLen = savgolWindow
	}
	half := windowLen / 2

	derivSeries := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		start := i - half
		evalIdx := half
		switch {
		case start < 0:
			start = 0
			evalIdx = i
		case start+windowLen > n:
			start = n - windowLen
			evalIdx = i - start
		}
		d, ok := savgolDerivativeAt(lnOD[start:start+windowLen], evalIdx)
		if !ok {
			continue
		}
		derivSeries = append(derivSeries, d*3600.0)
	}

	if len(derivSeries) == 0 {
		return math.NaN()
	}

	mu := derivSeries[len(derivSeries)-1]
	fs.Set("mu", mu)

	st := computeStats(derivSeries)
	fs.Set("mu_mean", st.mean)
	fs.Set("mu_std", st.std)
	return mu
}

// specificRates is stage (d): qO2/qCO2 from OUR/CER per unit estimated DCW.
func (e *Engineer) specificRates(stats map[string]tagStats, cer, our float64, fs model.FeatureSet) {
	odStats, ok := stats[model.TagOD]
	if !ok {
		return
	}
	dcw := dcwFactor * odStats.mean
	if dcw <= dcwMinFloor {
		return
	}
	if !math.IsNaN(our) {
		fs.Set("qO2", our/dcw)
	}
	if !math.IsNaN(cer) {
		fs.Set("qCO2", cer/dcw)
	}
}

// kLa is stage (e): volumetric oxygen mass-transfer coefficient from the
// saturation/driving-force model.
func (e *Engineer) kLa(stats map[string]tagStats, our float64, fs model.FeatureSet) {
	if math.IsNaN(our) {
		return
	}
	doStats, ok := stats[model.TagDO]
	if !ok {
		return
	}
	pressStats, ok := stats[model.TagReactorPressure]
	if !ok {
		return
	}

	cStar := kLaSaturationCoef * (pressStats.mean / e.cfg.StandardPressureBar)
	c := (doStats.mean / 100.0) * cStar
	deltaC := cStar - c
	if deltaC <= kLaMinDeltaC {
		return
	}
	fs.Set("kLa", (our*oxygenMolarMassMg)/deltaC)
}

// windowMean returns the mean of tag's finite samples directly from the
// window, independent of basicStatistics' n>=2 gate — the thermal and
// pressure groups use this authoritative direct-read form (see SPEC_FULL
// design notes on the resolved duplicate-orchestration-path question).
func windowMean(windows map[string]model.Window, tag string) (float64, bool) {
	w, ok := windows[tag]
	if !ok {
		return 0, false
	}
	vals := finiteValues(w)
	if len(vals) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals)), true
}

// thermal is stage (f): cross-sensor temperature gradients and the motor
// temperature warning flag, read directly from windows.
func (e *Engineer) thermal(windows map[string]model.Window, fs model.FeatureSet) {
	broth, okBroth := windowMean(windows, model.TagTempBroth)
	exhaust, okExhaust := windowMean(windows, model.TagTempExhaust)
	if okBroth && okExhaust {
		fs.Set("temp_gradient_broth_exhaust", broth-exhaust)
	}
	if ph, ok := windowMean(windows, model.TagTempPHProbe); ok && okBroth {
		fs.Set("temp_deviation_ph_probe", math.Abs(broth-ph))
	}
	if do, ok := windowMean(windows, model.TagTempDOProbe); ok && okBroth {
		fs.Set("temp_deviation_do_probe", math.Abs(broth-do))
	}
	if motor, ok := windowMean(windows, model.TagTempStirrerMotor); ok {
		fs.Set("motor_temp", motor)
		if motor > motorTempWarnC {
			fs.Set("motor_temp_warning", 1)
		} else {
			fs.Set("motor_temp_warning", 0)
		}
	}
}

// pressure is stage (g): deviation from standard pressure and the anomaly
// flag, read directly from windows.
func (e *Engineer) pressure(windows map[string]model.Window, fs model.FeatureSet) {
	p, ok := windowMean(windows, model.TagReactorPressure)
	if !ok {
		return
	}
	deviation := p - e.cfg.StandardPressureBar
	fs.Set("pressure_deviation", deviation)
	if math.Abs(deviation) > pressureAnomalyBar {
		fs.Set("pressure_anomaly", 1)
	} else {
		fs.Set("pressure_anomaly", 0)
	}
}

// phaseState is stage (h): mutually exclusive one-hot growth-phase flags.
func (e *Engineer) phaseState(mu float64, fs model.FeatureSet) {
	if math.IsNaN(mu) {
		return
	}
	lag, exp, stationary := ClassifyPhase(mu)
	fs.Set("phase_lag", lag)
	fs.Set("phase_exp", exp)
	fs.Set("phase_stationary", stationary)
}

// ClassifyPhase implements the mutually exclusive growth-phase one-hot rule:
// lag if mu < 0.02, exp if mu >= 0.08, stationary otherwise. Exported so the
// boundary semantics can be tested directly against exact mu values without
// going through a reconstructed OD series.
func ClassifyPhase(mu float64) (lag, exp, stationary float64) {
	switch {
	case mu < 0.02:
		return 1, 0, 0
	case mu >= 0.08:
		return 0, 1, 0
	default:
		return 0, 0, 1
	}
}
