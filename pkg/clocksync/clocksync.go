package clocksync

import (
	"sort"
)

// Sample is one round-trip observation: t0 local send, t1 remote receive,
// t2 local receive.
type Sample struct {
	T0 float64
	T1 float64
	T2 float64
}

// RTT returns the sample's round-trip time.
func (s Sample) RTT() float64 {
	return s.T2 - s.T0
}

// Offset returns the estimated remote-clock offset for the sample.
func (s Sample) Offset() float64 {
	return s.T1 - (s.T0 + s.RTT()/2)
}

type peerState struct {
	samples []Sample
	next    int
	full    bool
}

// Estimator tracks per-peer clock offset and round-trip time over a bounded
// sample ring, smoothing with the median so a single delayed exchange does
// not skew the estimate.
type Estimator struct {
	maxSamples int
	peers      map[uint8]*peerState
	order      []uint8
}

// NewEstimator creates an estimator keeping up to maxSamples per peer.
func NewEstimator(maxSamples int) *Estimator {
	if maxSamples <= 0 {
		maxSamples = 8
	}
	return &Estimator{
		maxSamples: maxSamples,
		peers:      make(map[uint8]*peerState),
	}
}

// AddSample records an observation for the peer, evicting the oldest sample
// once the ring is full.
func (e *Estimator) AddSample(peer uint8, s Sample) {
	st, ok := e.peers[peer]
	if !ok {
		st = &peerState{samples: make([]Sample, 0, e.maxSamples)}
		e.peers[peer] = st
		e.order = append(e.order, peer)
	}
	if len(st.samples) < e.maxSamples {
		st.samples = append(st.samples, s)
		return
	}
	st.samples[st.next] = s
	st.next = (st.next + 1) % e.maxSamples
	st.full = true
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// SmoothedRTT returns the median round-trip time for the peer.
func (e *Estimator) SmoothedRTT(peer uint8) (float64, bool) {
	st, ok := e.peers[peer]
	if !ok || len(st.samples) == 0 {
		return 0, false
	}
	rtts := make([]float64, len(st.samples))
	for i, s := range st.samples {
		rtts[i] = s.RTT()
	}
	return median(rtts), true
}

// SmoothedOffset returns the median clock offset for the peer.
func (e *Estimator) SmoothedOffset(peer uint8) (float64, bool) {
	st, ok := e.peers[peer]
	if !ok || len(st.samples) == 0 {
		return 0, false
	}
	offsets := make([]float64, len(st.samples))
	for i, s := range st.samples {
		offsets[i] = s.Offset()
	}
	return median(offsets), true
}

// ConsensusOffset returns the arithmetic mean of smoothed offsets across
// tracked peers. With a single authoritative server it collapses to that
// server's offset.
func (e *Estimator) ConsensusOffset() float64 {
	if len(e.order) == 0 {
		return 0
	}
	var sum float64
	var count int
	for _, peer := range e.order {
		if off, ok := e.SmoothedOffset(peer); ok {
			sum += off
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Peers returns the tracked peer IDs in first-seen order.
func (e *Estimator) Peers() []uint8 {
	return e.order
}
