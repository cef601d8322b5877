package directory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmem/pager/pkg/page"
)

func TestUnseenPageIsUnknown(t *testing.T) {
	d := New(16)

	before := d.PageCount()
	owner := d.GetOwner(7)

	assert.Equal(t, page.UnknownOwner, owner)
	assert.Equal(t, before, d.PageCount(), "lookup must not mutate state")
}

func TestClaimPageIsLocalUntilExplicitSetOwner(t *testing.T) {
	d := New(16)

	d.ClaimPage(3)
	assert.Equal(t, page.LocalOwner(), d.GetOwner(3))

	// Idempotent re-claim.
	d.ClaimPage(3)
	assert.Equal(t, page.LocalOwner(), d.GetOwner(3))

	d.SetOwner(3, page.RemoteOwner(2))
	assert.Equal(t, page.RemoteOwner(2), d.GetOwner(3))
}

func TestClaimOverwritesRemote(t *testing.T) {
	d := New(4)

	d.SetOwner(1, page.RemoteOwner(5))
	require.Equal(t, page.RemoteOwner(5), d.GetOwner(1))

	d.ClaimPage(1)
	assert.Equal(t, page.LocalOwner(), d.GetOwner(1))
}

func TestConcurrentClaimsPageCountMatchesDistinctClaims(t *testing.T) {
	const pages = 200

	d := New(pages)

	var wg sync.WaitGroup

	for i := 0; i < pages; i++ {
		wg.Add(1)

		go func(p page.Number) {
			defer wg.Done()

			// Duplicate claims from concurrent readers/writers on the same page.
			d.ClaimPage(p)
			d.GetOwner(p)
			d.ClaimPage(p)
		}(page.Number(i % (pages / 2)))
	}

	wg.Wait()

	assert.Equal(t, uint64(pages/2), d.PageCount())
}

func TestBoundaryPages(t *testing.T) {
	r, err := page.NewRange(0x1000, 4*page.Size)
	require.NoError(t, err)

	d := New(r.PageCount())

	first, ok := r.PageOf(r.Base)
	require.True(t, ok)
	assert.Equal(t, page.Number(0), first)

	last, ok := r.PageOf(r.Base + uintptr(r.Len-1))
	require.True(t, ok)
	assert.Equal(t, page.Number(r.PageCount()-1), last)

	d.ClaimPage(first)
	d.ClaimPage(last)
	assert.Equal(t, uint64(2), d.PageCount())
}

func TestSnapshotReflectsBothKinds(t *testing.T) {
	d := New(8)
	d.ClaimPage(0)
	d.SetOwner(5, page.RemoteOwner(9))

	snap := d.Snapshot()
	assert.Equal(t, page.LocalOwner(), snap[0])
	assert.Equal(t, page.RemoteOwner(9), snap[5])
	assert.Len(t, snap, 2)
}
