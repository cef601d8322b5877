// Package directory implements the cluster-wide ownership map from guest
// page number to the node that currently holds its authoritative bytes.
//
// The concurrency discipline mirrors the teacher's block.Bitset /
// block.HashMap pair: a single RWMutex guards a fast local-claim bitset and
// a sparse remote-owner map, so the overwhelmingly common read path
// (get_owner) runs concurrently with other reads and waits only while the
// rare write path (claim_page/set_owner) holds the lock.
package directory

import (
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/distmem/pager/pkg/page"
)

// Directory maps page.Number to page.Owner with first-touch semantics.
// A page with no entry in either structure is Unknown.
type Directory struct {
	mu sync.RWMutex

	// local is set for every page claimed Local by first touch.
	local *bitset.BitSet

	// remote holds the owning node id for every page explicitly set Remote.
	// A page present in local is never also present in remote; claim_page
	// and set_owner keep the two structures mutually exclusive.
	remote map[page.Number]int
}

// New creates an empty directory for a range holding pageCount pages.
func New(pageCount int64) *Directory {
	return &Directory{
		local:  bitset.New(uint(pageCount)),
		remote: make(map[page.Number]int),
	}
}

// GetOwner returns the current owner of p without mutating any state.
// An unseen page returns page.UnknownOwner.
func (d *Directory) GetOwner(p page.Number) page.Owner {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.local.Test(uint(p)) {
		return page.LocalOwner()
	}

	if node, ok := d.remote[p]; ok {
		return page.RemoteOwner(node)
	}

	return page.UnknownOwner
}

// ClaimPage sets p to Local. Idempotent: claiming an already-Local page is a
// no-op; claiming a currently-Remote page overwrites it (the caller is
// responsible for migration semantics elsewhere, per spec).
func (d *Directory) ClaimPage(p page.Number) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.remote, p)
	d.local.Set(uint(p))
}

// SetOwner installs an explicit owner for p. Passing page.UnknownOwner
// clears any existing entry. No migrator in the core drives this path today;
// it exists so that future migration support has somewhere to write to.
func (d *Directory) SetOwner(p page.Number, owner page.Owner) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch owner.Kind {
	case page.Local:
		delete(d.remote, p)
		d.local.Set(uint(p))
	case page.Remote:
		d.local.Clear(uint(p))
		d.remote[p] = owner.NodeID
	default:
		d.local.Clear(uint(p))
		delete(d.remote, p)
	}
}

// PageCount returns the number of distinct pages with a non-Unknown entry.
func (d *Directory) PageCount() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.local.Count() + uint64(len(d.remote))
}

// Snapshot returns a point-in-time copy of every known (non-Unknown) entry,
// taken under the read lock. Used by metrics export and tests.
func (d *Directory) Snapshot() map[page.Number]page.Owner {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[page.Number]page.Owner, d.local.Count()+uint64(len(d.remote)))

	for i, e := d.local.NextSet(0); e; i, e = d.local.NextSet(i + 1) {
		out[page.Number(i)] = page.LocalOwner()
	}

	for p, node := range d.remote {
		out[p] = page.RemoteOwner(node)
	}

	return out
}
