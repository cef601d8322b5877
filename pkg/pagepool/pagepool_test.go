package pagepool

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmem/pager/pkg/page"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.bin")

	pool, err := New(path, 4)
	require.NoError(t, err)
	defer pool.Close()

	data := bytes.Repeat([]byte{0xAB}, page.Size)
	require.NoError(t, pool.Write(2, data))

	got := pool.Read(2)
	assert.Equal(t, data, got)

	// Untouched slots stay zero.
	assert.Equal(t, make([]byte, page.Size), pool.Read(0))
}

func TestWriteRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.bin")

	pool, err := New(path, 1)
	require.NoError(t, err)
	defer pool.Close()

	err = pool.Write(0, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestSlotAddrIncreasesByPageSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.bin")

	pool, err := New(path, 4)
	require.NoError(t, err)
	defer pool.Close()

	a0 := pool.SlotAddr(0)
	a1 := pool.SlotAddr(1)
	assert.Equal(t, uintptr(page.Size), a1-a0)
}
