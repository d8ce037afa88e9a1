package detect

import (
	"errors"
	"math"
)

// Bounded two-parameter Levenberg-Marquardt fit of y = a*exp(-b*x) with an
// analytic Jacobian. Two parameters never justify a numerics framework; the
// 2x2 normal equations solve in closed form.

var (
	errFitInput     = errors.New("curvefit: need at least two points")
	errFitSingular  = errors.New("curvefit: singular normal equations")
	errFitDiverged  = errors.New("curvefit: failed to converge")
	errFitOutOfBand = errors.New("curvefit: parameters out of bounds")
)

const (
	minAmplitude = 1e-9
	minDecay     = 1e-6
	maxDecay     = 1.0
)

type expFit struct {
	A float64
	B float64
}

// Expected evaluates the fitted curve at distance x.
func (f expFit) Expected(x float64) float64 {
	return f.A * math.Exp(-f.B*x)
}

func sse(xs, ys []float64, a, b float64) float64 {
	var s float64
	for i := range xs {
		r := ys[i] - a*math.Exp(-b*xs[i])
		s += r * r
	}
	return s
}

func clampParams(a, b float64) (float64, float64) {
	if a < minAmplitude {
		a = minAmplitude
	}
	if b < minDecay {
		b = minDecay
	}
	if b > maxDecay {
		b = maxDecay
	}
	return a, b
}

// fitExpDecay fits y = a*exp(-b*x) starting from (a0, b0), keeping a > 0 and
// 0 < b <= 1. maxIter caps the damped Gauss-Newton iterations.
func fitExpDecay(xs, ys []float64, a0, b0 float64, maxIter int) (expFit, error) {
	if len(xs) < 2 || len(xs) != len(ys) {
		return expFit{}, errFitInput
	}

	a, b := clampParams(a0, b0)
	lambda := 1e-3
	cost := sse(xs, ys, a, b)

	for iter := 0; iter < maxIter; iter++ {
		// Accumulate JtJ and Jt*r for the current parameters.
		var j11, j12, j22, g1, g2 float64
		for i := range xs {
			e := math.Exp(-b * xs[i])
			f := a * e
			r := ys[i] - f
			d1 := e            // df/da
			d2 := -a * xs[i] * e // df/db
			j11 += d1 * d1
			j12 += d1 * d2
			j22 += d2 * d2
			g1 += d1 * r
			g2 += d2 * r
		}

		// Damped normal equations: (JtJ + lambda*diag(JtJ)) delta = Jt*r.
		m11 := j11 * (1 + lambda)
		m22 := j22 * (1 + lambda)
		det := m11*m22 - j12*j12
		if math.Abs(det) < 1e-18 {
			return expFit{}, errFitSingular
		}
		da := (g1*m22 - g2*j12) / det
		db := (g2*m11 - g1*j12) / det

		na, nb := clampParams(a+da, b+db)
		ncost := sse(xs, ys, na, nb)

		if ncost < cost {
			a, b, cost = na, nb, ncost
			lambda = math.Max(lambda/10, 1e-12)
			if math.Abs(da)+math.Abs(db) < 1e-10 {
				break
			}
		} else {
			lambda *= 10
			if lambda > 1e12 {
				break
			}
		}
	}

	if !isFinite(a) || !isFinite(b) {
		return expFit{}, errFitDiverged
	}
	if a <= 0 || b <= 0 || b > maxDecay {
		return expFit{}, errFitOutOfBand
	}
	return expFit{A: a, B: b}, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// meanStd is the single-pass mean and population standard deviation.
func meanStd(vs []float64) (mean, std float64) {
	if len(vs) == 0 {
		return 0, 0
	}
	for _, v := range vs {
		mean += v
	}
	mean /= float64(len(vs))
	var ss float64
	for _, v := range vs {
		d := v - mean
		ss += d * d
	}
	std = math.Sqrt(ss / float64(len(vs)))
	return mean, std
}
