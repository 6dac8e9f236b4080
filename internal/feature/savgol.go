package feature

// savgolDerivativeAt estimates the derivative of y at index evalIdx using a
// quadratic (order-2) least-squares fit over the equally-spaced window y.
// This is the Savitzky-Golay derivative evaluated at an arbitrary offset
// within the window, which is what scipy.signal.savgol_filter(deriv=1,
// mode='interp') does: interior points evaluate at the window centre,
// edge points evaluate at their true offset within the nearest full-length
// window instead of being padded or evaluated at the window edge.
//
// requires len(y) >= 3 and returns (0, false) otherwise, per the "prefer no
// feature over a padded one" design note.
//
// Model: p(x) = a + b*x + c*x^2, x = 0..len(y)-1. Returns
// p'(evalIdx) = b + 2*c*evalIdx.
func savgolDerivativeAt(y []float64, evalIdx int) (float64, bool) {
	n := len(y)
	if n < 3 {
		return 0, false
	}

	var s0, s1, s2, s3, s4 float64
	var t0, t1, t2 float64
	for i := 0; i < n; i++ {
		x := float64(i)
		x2 := x * x
		s0++
		s1 += x
		s2 += x2
		s3 += x2 * x
		s4 += x2 * x2
		t0 += y[i]
		t1 += x * y[i]
		t2 += x2 * y[i]
	}

	// Solve the 3x3 normal-equations system
	//   [s0 s1 s2][a]   [t0]
	//   [s1 s2 s3][b] = [t1]
	//   [s2 s3 s4][c]   [t2]
	// by Cramer's rule.
	det := det3(
		s0, s1, s2,
		s1, s2, s3,
		s2, s3, s4,
	)
	if det == 0 {
		return 0, false
	}

	detB := det3(
		s0, t0, s2,
		s1, t1, s3,
		s2, t2, s4,
	)
	detC := det3(
		s0, s1, t0,
		s1, s2, t1,
		s2, s3, t2,
	)

	b := detB / det
	c := detC / det
	x := float64(evalIdx)
	return b + 2*c*x, true
}

// det3 computes the determinant of the 3x3 matrix given row-major.
func det3(a11, a12, a13, a21, a22, a23, a31, a32, a33 float64) float64 {
	return a11*(a22*a33-a23*a32) - a12*(a21*a33-a23*a31) + a13*(a21*a32-a22*a31)
}

// adaptWindowLen returns the next odd value <= n and >= minLen, or 0 if n is
// too short to satisfy minLen at all.
func adaptWindowLen(n, minLen int) int {
	if n < minLen {
		return 0
	}
	w := n
	if w%2 == 0 {
		w--
	}
	if w < minLen {
		return 0
	}
	return w
}
