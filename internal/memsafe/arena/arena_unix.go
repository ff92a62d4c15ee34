//go:build unix

package arena

import (
	"os"

	"golang.org/x/sys/unix"
)

func pageSize() int {
	return os.Getpagesize()
}

func sysMap(n uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func sysGuard(page []byte) error {
	return unix.Mprotect(page, unix.PROT_NONE)
}

func sysUnmap(mem []byte) error {
	return unix.Munmap(mem)
}
