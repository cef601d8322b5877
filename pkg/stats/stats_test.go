package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyStatsReportNoMedianOrP99(t *testing.T) {
	snap := New().Snapshot()

	_, ok := snap.Median()
	assert.False(t, ok)

	_, ok = snap.P99()
	assert.False(t, ok)

	assert.Equal(t, float64(0), snap.RemoteMissRatio())
}

func TestMedianOfFiveSamples(t *testing.T) {
	s := New()
	for _, v := range []int64{10, 20, 30, 40, 50} {
		s.RecordLocal(v)
	}

	median, ok := s.Snapshot().Median()
	require.True(t, ok)
	assert.Equal(t, int64(30), median)
}

func TestP99OfHundredSamples(t *testing.T) {
	s := New()
	for i := 1; i <= 100; i++ {
		s.RecordLocal(int64(i))
	}

	p99, ok := s.Snapshot().P99()
	require.True(t, ok)
	assert.GreaterOrEqual(t, p99, int64(99))
}

func TestRemoteMissRatioBounds(t *testing.T) {
	allLocal := New()
	allLocal.RecordLocal(1)
	assert.Equal(t, float64(0), allLocal.Snapshot().RemoteMissRatio())

	allRemote := New()
	allRemote.RecordRemote(1)
	assert.Equal(t, float64(1), allRemote.Snapshot().RemoteMissRatio())

	mixed := New()
	mixed.RecordLocal(1)
	mixed.RecordRemote(1)
	ratio := mixed.Snapshot().RemoteMissRatio()
	assert.GreaterOrEqual(t, ratio, float64(0))
	assert.LessOrEqual(t, ratio, float64(1))
}

func TestLocalFirstTouchSequence(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s.RecordLocal(5)
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, uint64(4), snap.LocalFaults)
	assert.Equal(t, uint64(0), snap.RemoteFaults)
}
