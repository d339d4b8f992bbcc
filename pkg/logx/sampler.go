package logx

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Sampler is a token bucket shared by every logger derived with Sampled.
type Sampler struct {
	lim     *rate.Limiter
	dropped atomic.Uint64
}

// NewSampler allows perSec lines per second after an initial burst.
func NewSampler(perSec float64, burst int) *Sampler {
	return &Sampler{lim: rate.NewLimiter(rate.Limit(perSec), max(burst, 1))}
}

// take reports whether a line may be written and, if so, how many lines were
// dropped since the previous one.
func (s *Sampler) take() (bool, uint64) {
	if !s.lim.Allow() {
		s.dropped.Add(1)
		return false, 0
	}
	return true, s.dropped.Swap(0)
}

// Dropped reports lines suppressed since the last line that got through.
func (s *Sampler) Dropped() uint64 { return s.dropped.Load() }
