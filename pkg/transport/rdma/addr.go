//go:build linux && cgo && rdma

package rdma

import "unsafe"

// copyFromAddr copies page.Size bytes starting at addr into dst. addr
// always points into a region registered via RegisterMemory.
func copyFromAddr(dst []byte, addr uintptr) {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(dst))
	copy(dst, src)
}

// copyToAddr is copyFromAddr's inverse.
func copyToAddr(addr uintptr, src []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(src))
	copy(dst, src)
}
