// Package jitter spreads periodic work so that multiple processes started
// together do not poll or sweep in lockstep.
package jitter

import (
	"math/rand/v2"
	"time"
)

const fraction = 0.1

// Duration returns d perturbed by up to ±10%.
func Duration(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * fraction * float64(d)
	return d + time.Duration(delta)
}
