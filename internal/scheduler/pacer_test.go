package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacerMonotonic(t *testing.T) {
	p := NewPacer(45*time.Second, 4*time.Minute, 7, 8*time.Minute, 20*time.Minute, rand.New(rand.NewSource(1)))

	var prev time.Duration
	for i := 0; i < 50; i++ {
		d := p.Next()
		assert.Greater(t, d, prev, "delay %d must exceed the previous", i)
		prev = d
	}
}

func TestPacerStepBounds(t *testing.T) {
	p := NewPacer(45*time.Second, 4*time.Minute, 0, 0, 0, rand.New(rand.NewSource(7)))

	var prev time.Duration
	for i := 0; i < 100; i++ {
		d := p.Next()
		step := d - prev
		assert.GreaterOrEqual(t, step, 45*time.Second)
		assert.Less(t, step, 4*time.Minute)
		prev = d
	}
}

func TestPacerInjectsBreaks(t *testing.T) {
	p := NewPacer(time.Minute, time.Minute, 3, 10*time.Minute, 10*time.Minute, rand.New(rand.NewSource(3)))

	var prev time.Duration
	for i := 1; i <= 9; i++ {
		d := p.Next()
		step := d - prev
		if i%3 == 0 {
			assert.Equal(t, 11*time.Minute, step, "job %d should absorb a break", i)
		} else {
			assert.Equal(t, time.Minute, step, "job %d is a plain step", i)
		}
		prev = d
	}
}

func TestPacerDegenerateRanges(t *testing.T) {
	// max below min collapses to fixed steps instead of panicking.
	p := NewPacer(2*time.Minute, time.Minute, 0, 0, 0, rand.New(rand.NewSource(1)))
	assert.Equal(t, 2*time.Minute, p.Next())
	assert.Equal(t, 4*time.Minute, p.Next())
}
