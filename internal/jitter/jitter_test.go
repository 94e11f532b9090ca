package jitter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationStaysWithinTenPercent(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 100; i++ {
		d := Duration(base)
		assert.GreaterOrEqual(t, d, 9*time.Second)
		assert.LessOrEqual(t, d, 11*time.Second)
	}
}

func TestDurationZeroAndNegative(t *testing.T) {
	assert.Equal(t, time.Duration(0), Duration(0))
	assert.Equal(t, -time.Second, Duration(-time.Second))
}
