package pagepool

import "unsafe"

// unsafeSliceAddr returns the address of a byte slice's backing array.
// Isolated in its own file so the one unsafe.Pointer conversion in this
// package is easy to audit.
func unsafeSliceAddr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}

	return unsafe.Pointer(&b[0])
}
