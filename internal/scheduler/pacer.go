package scheduler

import (
	"math/rand"
	"time"
)

// Pacer plans enqueue delays for one cycle. Delays accumulate monotonically
// (each job later than the previous by a random step) with a longer break
// injected every breakEvery jobs, producing a human-plausible cadence
// instead of a burst.
type Pacer struct {
	minStep    time.Duration
	maxStep    time.Duration
	breakEvery int
	breakMin   time.Duration
	breakMax   time.Duration

	offset time.Duration
	count  int
	rnd    *rand.Rand
}

// NewPacer builds a planner. A nil rnd gets a time-seeded source; tests pass
// a fixed seed.
func NewPacer(minStep, maxStep time.Duration, breakEvery int, breakMin, breakMax time.Duration, rnd *rand.Rand) *Pacer {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if maxStep < minStep {
		maxStep = minStep
	}
	if breakMax < breakMin {
		breakMax = breakMin
	}
	return &Pacer{
		minStep:    minStep,
		maxStep:    maxStep,
		breakEvery: breakEvery,
		breakMin:   breakMin,
		breakMax:   breakMax,
		rnd:        rnd,
	}
}

// Next returns the delay for the next job. Strictly greater than the
// previous returned delay.
func (p *Pacer) Next() time.Duration {
	p.count++
	p.offset += p.between(p.minStep, p.maxStep)
	if p.breakEvery > 0 && p.count%p.breakEvery == 0 {
		p.offset += p.between(p.breakMin, p.breakMax)
	}
	return p.offset
}

func (p *Pacer) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(p.rnd.Int63n(int64(hi-lo)))
}
