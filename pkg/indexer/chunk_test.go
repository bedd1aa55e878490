package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextChunkSize(t *testing.T) {
	tests := []struct {
		name    string
		prev    uint64
		outcome RangeOutcome
		want    uint64
	}{
		{name: "fast grows 25 percent", prev: 1000, outcome: OutcomeFast, want: 1250},
		{name: "fast caps at max", prev: 9000, outcome: OutcomeFast, want: 10000},
		{name: "fast at max stays at max", prev: 10000, outcome: OutcomeFast, want: 10000},
		{name: "slow holds", prev: 1000, outcome: OutcomeSlow, want: 1000},
		{name: "timeout halves", prev: 1000, outcome: OutcomeTimeout, want: 500},
		{name: "error halves", prev: 1000, outcome: OutcomeError, want: 500},
		{name: "halving floors at min", prev: 150, outcome: OutcomeTimeout, want: 100},
		{name: "at min stays at min", prev: 100, outcome: OutcomeError, want: 100},
		{name: "below min clamps up first", prev: 10, outcome: OutcomeSlow, want: 100},
		{name: "above max clamps down first", prev: 50000, outcome: OutcomeSlow, want: 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextChunkSize(tt.prev, tt.outcome, 100, 10000)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextChunkSize_ThreeConsecutiveTimeouts(t *testing.T) {
	size := uint64(1000)

	for i := 0; i < 3; i++ {
		size = NextChunkSize(size, OutcomeTimeout, 100, 10000)
	}

	assert.LessOrEqual(t, size, uint64(125))
	assert.GreaterOrEqual(t, size, uint64(100))
}

func TestNextChunkSize_SmallSizesStillGrow(t *testing.T) {
	// Integer 25% of a tiny chunk rounds to zero; growth must not stall.
	got := NextChunkSize(2, OutcomeFast, 1, 10000)
	assert.Greater(t, got, uint64(2))
}

func TestNextChunkSize_StaysWithinBounds(t *testing.T) {
	outcomes := []RangeOutcome{OutcomeFast, OutcomeSlow, OutcomeTimeout, OutcomeError}

	size := uint64(1000)
	for i := 0; i < 100; i++ {
		size = NextChunkSize(size, outcomes[i%len(outcomes)], 100, 10000)

		assert.GreaterOrEqual(t, size, uint64(100))
		assert.LessOrEqual(t, size, uint64(10000))
	}
}
