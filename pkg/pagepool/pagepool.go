// Package pagepool provides the mmap-backed byte buffer pages are
// assembled into before installation and that RDMA registers as a memory
// region. It is adapted from the teacher's cache.MmapCache
// (packages/block-storage/pkg/cache/mmap.go): same sparse-file-backed
// mmap.MMap plus sync.RWMutex discipline, narrowed to the fixed 4 KiB page
// granularity this module only ever deals in.
package pagepool

import (
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/distmem/pager/pkg/page"
)

// Pool is a fixed-size, mmap-backed byte arena sized to hold pageCount
// pages. The pager writes fetched or zero-filled bytes here before handing
// them to kernelfault.Channel.Install, and RDMA registers the whole arena
// as a single MemoryRegion so READ/WRITE work requests can target any page
// without a per-fetch registration.
type Pool struct {
	mu       sync.RWMutex
	mm       mmap.MMap
	file     *os.File
	filePath string
}

// New creates (or truncates) a sparse backing file at filePath sized for
// pageCount pages and maps it read/write.
func New(filePath string, pageCount int64) (*Pool, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagepool: open backing file: %w", err)
	}

	size := pageCount * page.Size

	if err := f.Truncate(size); err != nil {
		f.Close()

		return nil, fmt.Errorf("pagepool: truncate backing file to %d bytes: %w", size, err)
	}

	mm, err := mmap.MapRegion(f, int(size), unix.PROT_READ|unix.PROT_WRITE, mmap.RDWR, 0)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("pagepool: mmap backing file: %w", err)
	}

	return &Pool{mm: mm, file: f, filePath: filePath}, nil
}

// Write copies data (exactly page.Size bytes) into slot n.
func (p *Pool) Write(n page.Number, data []byte) error {
	if len(data) != page.Size {
		return fmt.Errorf("pagepool: write payload must be %d bytes, got %d", page.Size, len(data))
	}

	off := int64(n) * page.Size

	p.mu.Lock()
	defer p.mu.Unlock()

	copy(p.mm[off:off+page.Size], data)

	return nil
}

// Read returns a copy of slot n's bytes.
func (p *Pool) Read(n page.Number) []byte {
	off := int64(n) * page.Size

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]byte, page.Size)
	copy(out, p.mm[off:off+page.Size])

	return out
}

// BaseAddr returns the address of slot 0, the value RDMA registers as the
// region base.
func (p *Pool) BaseAddr() uintptr {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.mm) == 0 {
		return 0
	}

	return uintptr(unsafeSliceAddr(p.mm))
}

// SlotAddr returns the address of page slot n within the pool.
func (p *Pool) SlotAddr(n page.Number) uintptr {
	return p.BaseAddr() + uintptr(int64(n)*page.Size)
}

// Close unmaps and removes the backing file.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	unmapErr := p.mm.Unmap()
	closeErr := p.file.Close()
	removeErr := os.Remove(p.filePath)

	if unmapErr != nil {
		return fmt.Errorf("pagepool: unmap: %w", unmapErr)
	}

	if closeErr != nil {
		return fmt.Errorf("pagepool: close backing file: %w", closeErr)
	}

	if removeErr != nil {
		return fmt.Errorf("pagepool: remove backing file: %w", removeErr)
	}

	return nil
}
