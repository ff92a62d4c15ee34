//go:build !unix

package arena

import "os"

// Without mmap the arena falls back to Go-heap slabs. They are pinned by the
// mapping records, and the Go collector does not move objects, so addresses
// stay stable until Close. Guard pages are not available.

func pageSize() int {
	return os.Getpagesize()
}

func sysMap(n uintptr) ([]byte, error) {
	return make([]byte, n), nil
}

func sysGuard([]byte) error { return nil }

func sysUnmap([]byte) error { return nil }
