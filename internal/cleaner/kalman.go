package cleaner

import "math"

// scalarKalmanSmooth fills NaN gaps in values using a scalar Kalman filter
// followed by a Rauch-Tung-Striebel backward smoothing pass.
//
// Model (unit transition, unit observation):
//
//	x_t  = x_{t-1} + w_t,  w_t ~ N(0, transitionVar)
//	z_t  = x_t + v_t,      v_t ~ N(0, observationVar)
//
// The initial state mean is the first finite value in values; initial state
// covariance is 1. Only NaN positions in the output are replaced by the
// smoothed estimate — observed points are returned unchanged.
//
// Returns the filled series. Caller must ensure len(values) >= 2 finite
// anchor points; callers with fewer should use a fill-forward/back fallback
// instead (see Clean).
func scalarKalmanSmooth(values []float64, observationVar, transitionVar float64) []float64 {
	n := len(values)
	if n == 0 {
		return nil
	}

	var x0 float64
	for _, v := range values {
		if !math.IsNaN(v) {
			x0 = v
			break
		}
	}

	xFilt := make([]float64, n)
	pFilt := make([]float64, n)
	xPred := make([]float64, n)
	pPred := make([]float64, n)

	x := x0
	p := 1.0
	for t := 0; t < n; t++ {
		// Predict.
		if t == 0 {
			xPred[t] = x
			pPred[t] = p
		} else {
			xPred[t] = xFilt[t-1]
			pPred[t] = pFilt[t-1] + transitionVar
		}

		// Update, if observed.
		if !math.IsNaN(values[t]) {
			k := pPred[t] / (pPred[t] + observationVar)
			xFilt[t] = xPred[t] + k*(values[t]-xPred[t])
			pFilt[t] = (1 - k) * pPred[t]
		} else {
			xFilt[t] = xPred[t]
			pFilt[t] = pPred[t]
		}
	}

	// Backward (RTS) smoothing pass.
	xSmooth := make([]float64, n)
	pSmooth := make([]float64, n)
	xSmooth[n-1] = xFilt[n-1]
	pSmooth[n-1] = pFilt[n-1]
	for t := n - 2; t >= 0; t-- {
		denom := pPred[t+1]
		if denom == 0 {
			denom = 1e-12
		}
		c := pFilt[t] / denom
		xSmooth[t] = xFilt[t] + c*(xSmooth[t+1]-xPred[t+1])
		pSmooth[t] = pFilt[t] + c*c*(pSmooth[t+1]-pPred[t+1])
	}

	out := make([]float64, n)
	copy(out, values)
	for t := 0; t < n; t++ {
		if math.IsNaN(values[t]) {
			out[t] = xSmooth[t]
		}
	}
	return out
}

// fillForwardBack fills NaN runs with the nearest preceding finite value,
// then any leading NaNs with the nearest following finite value. Used as the
// smoother's fallback when fewer than two anchor points are available.
func fillForwardBack(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)

	var last float64
	haveLast := false
	for i, v := range out {
		if !math.IsNaN(v) {
			last = v
			haveLast = true
		} else if haveLast {
			out[i] = last
		}
	}

	var next float64
	haveNext := false
	for i := len(out) - 1; i >= 0; i-- {
		if !math.IsNaN(out[i]) {
			next = out[i]
			haveNext = true
		} else if haveNext {
			out[i] = next
		}
	}
	return out
}
