// Package quantile estimates streaming quantiles in constant space, using the
// P-Square algorithm (Jain and Chlamtac, CACM 28(10), 1985).
//
// Estimators are not safe for concurrent use.
package quantile

import (
	"math"
	"slices"
)

// Estimator tracks one quantile with five markers.
type Estimator struct {
	p       float64
	heights [5]float64
	pos     [5]int
	want    [5]float64
	step    [5]float64
	count   int
}

// New returns an estimator for quantile p, clamped to [0, 1].
func New(p float64) *Estimator {
	p = math.Max(0, math.Min(1, p))
	return &Estimator{
		p:    p,
		step: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

// Add records an observation.
func (e *Estimator) Add(x float64) {
	if e.count < 5 {
		e.heights[e.count] = x
		e.count++
		if e.count == 5 {
			slices.Sort(e.heights[:])
			for i := range e.pos {
				e.pos[i] = i
			}
			e.want = [5]float64{0, 2 * e.p, 4 * e.p, 2 + 2*e.p, 4}
		}
		return
	}
	e.count++

	var cell int
	switch {
	case x < e.heights[0]:
		e.heights[0] = x
	case x >= e.heights[4]:
		e.heights[4] = x
		cell = 3
	default:
		for cell = 0; cell < 3 && x >= e.heights[cell+1]; cell++ {
		}
	}
	for i := cell + 1; i < 5; i++ {
		e.pos[i]++
	}
	for i := range e.want {
		e.want[i] += e.step[i]
	}

	for i := 1; i <= 3; i++ {
		d := e.want[i] - float64(e.pos[i])
		if !(d >= 1 && e.pos[i+1]-e.pos[i] > 1) && !(d <= -1 && e.pos[i-1]-e.pos[i] < -1) {
			continue
		}
		dir := 1
		if d < 0 {
			dir = -1
		}
		if h := e.parabolic(i, dir); e.heights[i-1] < h && h < e.heights[i+1] {
			e.heights[i] = h
		} else {
			j := i + dir
			e.heights[i] += float64(dir) * (e.heights[j] - e.heights[i]) / float64(e.pos[j]-e.pos[i])
		}
		e.pos[i] += dir
	}
}

func (e *Estimator) parabolic(i, dir int) float64 {
	d := float64(dir)
	n0, n1, n2 := float64(e.pos[i-1]), float64(e.pos[i]), float64(e.pos[i+1])
	q0, q1, q2 := e.heights[i-1], e.heights[i], e.heights[i+1]
	return q1 + d/(n2-n0)*((n1-n0+d)*(q2-q1)/(n2-n1)+(n2-n1-d)*(q1-q0)/(n1-n0))
}

// Value returns the current estimate, or 0 before any observation.
func (e *Estimator) Value() float64 {
	switch {
	case e.count == 0:
		return 0
	case e.count < 5:
		var buf [5]float64
		s := buf[:e.count]
		copy(s, e.heights[:e.count])
		slices.Sort(s)
		return s[int(float64(e.count-1)*e.p)]
	default:
		return e.heights[2]
	}
}

// Count returns the number of observations.
func (e *Estimator) Count() int { return e.count }

// Set tracks several quantiles of one stream, plus its count, sum and max.
type Set struct {
	est   []*Estimator
	count int
	sum   float64
	max   float64
}

// NewSet returns a set tracking the given quantiles.
func NewSet(ps ...float64) *Set {
	s := &Set{est: make([]*Estimator, len(ps))}
	for i, p := range ps {
		s.est[i] = New(p)
	}
	return s
}

// Add records an observation in every estimator.
func (s *Set) Add(x float64) {
	if s.count == 0 || x > s.max {
		s.max = x
	}
	s.count++
	s.sum += x
	for _, e := range s.est {
		e.Add(x)
	}
}

// Value returns the estimate of the i-th quantile passed to NewSet.
func (s *Set) Value(i int) float64 {
	if i < 0 || i >= len(s.est) {
		return 0
	}
	return s.est[i].Value()
}

// Count returns the number of observations.
func (s *Set) Count() int { return s.count }

// Max returns the largest observation, or 0 if there are none.
func (s *Set) Max() float64 { return s.max }

// Mean returns the arithmetic mean, or 0 if there are no observations.
func (s *Set) Mean() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.count)
}
