package domain

import "math"

// WelfordAccumulator computes a running mean and unbiased sample
// variance using Welford's online algorithm. Unlike a naive
// sum-of-squares accumulator it stays numerically stable when thousands
// of near-equal samples stream in, avoiding catastrophic cancellation.
//
// The zero value is ready to use. WelfordAccumulator is not safe for
// concurrent use; callers accumulate per goroutine and Merge.
type WelfordAccumulator struct {
	// n is the number of samples observed.
	n int

	// mean is the running sample mean.
	mean float64

	// m2 is the running sum of squared deviations from the mean.
	m2 float64
}

// Add folds one sample into the accumulator.
func (w *WelfordAccumulator) Add(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	delta2 := x - w.mean
	w.m2 += delta * delta2
}

// Count returns the number of samples observed.
func (w *WelfordAccumulator) Count() int { return w.n }

// Mean returns the sample mean, or 0 when no samples were observed.
func (w *WelfordAccumulator) Mean() float64 { return w.mean }

// Variance returns the unbiased sample variance (dividing by n-1).
// It returns 0 when fewer than two samples were observed; callers that
// need to distinguish that case check Count first.
func (w *WelfordAccumulator) Variance() float64 {
	if w.n < 2 {
		return 0
	}
	return w.m2 / float64(w.n-1)
}

// StdDev returns the square root of the unbiased sample variance.
func (w *WelfordAccumulator) StdDev() float64 {
	return math.Sqrt(w.Variance())
}

// Merge folds another accumulator into this one using the parallel
// variant of Welford's update, so per-goroutine accumulators can be
// combined without revisiting samples. The other accumulator is left
// unchanged.
func (w *WelfordAccumulator) Merge(other WelfordAccumulator) {
	if other.n == 0 {
		return
	}
	if w.n == 0 {
		*w = other
		return
	}

	n := w.n + other.n
	delta := other.mean - w.mean
	w.mean += delta * float64(other.n) / float64(n)
	w.m2 += other.m2 + delta*delta*float64(w.n)*float64(other.n)/float64(n)
	w.n = n
}
