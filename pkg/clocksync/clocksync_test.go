package clocksync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSmoothing feeds five samples, one of them badly delayed, and expects
// the medians to reject the outlier.
func TestSmoothing(t *testing.T) {
	est := NewEstimator(8)

	samples := []Sample{
		{T0: 100, T1: 200, T2: 110},
		{T0: 200, T1: 300, T2: 210},
		{T0: 300, T1: 1000, T2: 400}, // delayed outlier
		{T0: 400, T1: 500, T2: 410},
		{T0: 500, T1: 600, T2: 510},
	}
	for _, s := range samples {
		est.AddSample(0, s)
	}

	rtt, ok := est.SmoothedRTT(0)
	require.True(t, ok)
	assert.Equal(t, 10.0, rtt)

	offset, ok := est.SmoothedOffset(0)
	require.True(t, ok)
	assert.Equal(t, 95.0, offset)
}

func TestConsensusOffsetAveragesPeers(t *testing.T) {
	est := NewEstimator(8)

	// Peer 0 smoothed offset +100, peer 1 smoothed offset -50
	est.AddSample(0, Sample{T0: 0, T1: 105, T2: 10})
	est.AddSample(1, Sample{T0: 0, T1: -45, T2: 10})

	off0, _ := est.SmoothedOffset(0)
	off1, _ := est.SmoothedOffset(1)
	assert.Equal(t, 100.0, off0)
	assert.Equal(t, -50.0, off1)
	assert.Equal(t, 25.0, est.ConsensusOffset())
}

func TestSingleServerCollapsesToItsOffset(t *testing.T) {
	est := NewEstimator(4)
	est.AddSample(0, Sample{T0: 0, T1: 42, T2: 0})
	assert.Equal(t, 42.0, est.ConsensusOffset())
}

func TestRingEvictsOldestSample(t *testing.T) {
	est := NewEstimator(2)
	est.AddSample(0, Sample{T0: 0, T1: 1000, T2: 0})
	est.AddSample(0, Sample{T0: 0, T1: 10, T2: 0})
	est.AddSample(0, Sample{T0: 0, T1: 20, T2: 0}) // evicts the 1000

	off, ok := est.SmoothedOffset(0)
	assert.True(t, ok)
	assert.Equal(t, 15.0, off)
}

func TestNoSamples(t *testing.T) {
	est := NewEstimator(4)
	_, ok := est.SmoothedRTT(9)
	assert.False(t, ok)
	assert.Equal(t, 0.0, est.ConsensusOffset())
}
