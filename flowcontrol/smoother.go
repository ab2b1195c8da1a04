package flowcontrol

import (
	"math"
	"sync"
	"time"
)

// Clock supplies monotonic seconds. Injectable so tests can drive time.
type Clock func() float64

func realClock() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Smoother is an exponentially weighted estimator of a total and its rate of
// change. The estimate decays toward the instantaneous total with e-folding
// time eFold; SmoothRate reports the implied rate.
type Smoother struct {
	mu       sync.Mutex
	eFold    float64
	now      Clock
	time     float64
	total    float64
	estimate float64
}

func NewSmoother(eFold time.Duration) *Smoother {
	return NewSmootherWithClock(eFold, realClock)
}

func NewSmootherWithClock(eFold time.Duration, clock Clock) *Smoother {
	s := &Smoother{eFold: eFold.Seconds(), now: clock}
	s.Reset(0)
	return s
}

func (s *Smoother) Reset(value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.time = 0
	s.total = value
	s.estimate = value
}

func (s *Smoother) SetTotal(value float64) {
	s.AddDelta(value - s.Total())
}

func (s *Smoother) AddDelta(delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update(s.now())
	s.total += delta
}

// Total returns the unsmoothed running total.
func (s *Smoother) Total() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Smoother) SmoothTotal() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update(s.now())
	return s.estimate
}

func (s *Smoother) SmoothRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update(s.now())
	return (s.total - s.estimate) / s.eFold
}

func (s *Smoother) update(t float64) {
	elapsed := t - s.time
	if elapsed <= 0 {
		return
	}
	s.time = t
	s.estimate += (s.total - s.estimate) * (1 - math.Exp(-elapsed/s.eFold))
}
