// Package stats tracks per-pager fault counters and service-time samples.
package stats

import (
	"sort"
	"sync"
)

// Stats accumulates fault counts and service-time samples in microseconds.
// RecordLocal/RecordRemote are on the fault hot path and must stay
// allocation-light; Median
// and P99 are derived views computed on demand from a sorted copy.
type Stats struct {
	mu sync.Mutex

	localFaults  uint64
	remoteFaults uint64
	samplesUs    []int64
}

// New returns an empty Stats.
func New() *Stats {
	return &Stats{}
}

// RecordLocal increments the local-fault counter and appends a service-time sample.
func (s *Stats) RecordLocal(durationUs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.localFaults++
	s.samplesUs = append(s.samplesUs, durationUs)
}

// RecordRemote increments the remote-fault counter and appends a service-time sample.
func (s *Stats) RecordRemote(durationUs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remoteFaults++
	s.samplesUs = append(s.samplesUs, durationUs)
}

// Snapshot is an immutable point-in-time view returned by Stats.Snapshot.
type Snapshot struct {
	LocalFaults  uint64
	RemoteFaults uint64
	samplesUs    []int64
}

// Snapshot copies the current counters and samples without blocking the
// fault worker for longer than the copy itself.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := make([]int64, len(s.samplesUs))
	copy(samples, s.samplesUs)

	return Snapshot{
		LocalFaults:  s.localFaults,
		RemoteFaults: s.remoteFaults,
		samplesUs:    samples,
	}
}

// RemoteMissRatio returns remote / (local + remote), 0 when there have been
// no faults at all or no remote faults.
func (snap Snapshot) RemoteMissRatio() float64 {
	total := snap.LocalFaults + snap.RemoteFaults
	if total == 0 {
		return 0
	}

	return float64(snap.RemoteFaults) / float64(total)
}

// Median returns the median service time in microseconds and true, or
// (0, false) if no samples have been recorded.
func (snap Snapshot) Median() (int64, bool) {
	return percentile(snap.samplesUs, 50)
}

// P99 returns the 99th-percentile service time in microseconds and true, or
// (0, false) if no samples have been recorded.
func (snap Snapshot) P99() (int64, bool) {
	return percentile(snap.samplesUs, 99)
}

func percentile(samples []int64, pct int) (int64, bool) {
	if len(samples) == 0 {
		return 0, false
	}

	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (len(sorted)-1)*pct/100
	return sorted[idx], true
}
