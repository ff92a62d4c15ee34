package api

import "unsafe"

// Integer is any type usable as an index.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Deref checks a load or store of *p and returns p unchanged, so that
// `*p` can be rewritten as `*Deref(p, write)` without reordering anything.
// A nil p is left for the Go runtime to fault on.
func Deref[T any](p *T, write bool) *T {
	if p != nil {
		cur.Load().CheckAddr(uintptr(unsafe.Pointer(p)), unsafe.Sizeof(*p), write)
	}
	return p
}

// Index checks element i of the elem-sized array starting at base and
// returns i unchanged. Negative indexes are checked too; the Go bounds check
// still runs after.
func Index[I Integer](base unsafe.Pointer, i I, elem uintptr, write bool) I {
	if base != nil {
		addr := uintptr(base) + uintptr(int64(i))*elem
		cur.Load().CheckAddr(addr, elem, write)
	}
	return i
}
