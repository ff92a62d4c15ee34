// Package arena is the underlying allocator beneath the allocator shim.
//
// Memory comes from anonymous mappings outside the Go heap, so addresses
// handed out are stable: the garbage collector never scans, moves or frees
// them. Small blocks are bump-allocated from fixed-size chunks and recycled
// through exact-size free lists; large blocks get a dedicated mapping that is
// unmapped on Free. Every mapping ends in an inaccessible guard page where the
// platform supports it.
//
// The arena knows nothing about redzones or quarantine. It only guarantees
// that blocks it has handed out and not taken back never overlap.
package arena

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

const (
	// Align is the alignment of every block.
	Align = 16

	// DefaultChunkSize is the size of each small-block chunk.
	DefaultChunkSize = 16 << 20
)

// ErrTooLarge is returned when a request cannot be represented.
var ErrTooLarge = errors.New("arena: allocation size overflows address space")

// Stats describes arena usage.
type Stats struct {
	Mapped     uintptr // bytes currently mapped, guard pages excluded
	InUse      uintptr // bytes in blocks handed out and not freed
	FreeListed uintptr // bytes parked on free lists
	Chunks     int
	Large      int
}

type mapping struct {
	mem    []byte // whole mapping, guard page included
	usable uintptr
}

// Arena is a thread-safe block allocator.
type Arena struct {
	mu        sync.Mutex
	chunkSize uintptr
	pageSize  uintptr

	chunks   []mapping
	cur, end uintptr // bump window in the newest chunk

	free  map[uintptr][]uintptr // rounded size -> block addresses
	large map[uintptr]mapping   // block address -> dedicated mapping

	inUse, freeListed, mapped uintptr
}

// New returns an arena with the given chunk size (0 selects DefaultChunkSize).
func New(chunkSize uintptr) *Arena {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	page := uintptr(pageSize())
	chunkSize = roundUp(chunkSize, page)
	return &Arena{
		chunkSize: chunkSize,
		pageSize:  page,
		free:      make(map[uintptr][]uintptr),
		large:     make(map[uintptr]mapping),
	}
}

func roundUp(n, to uintptr) uintptr {
	return (n + to - 1) &^ (to - 1)
}

// Size returns the block size actually reserved for a request of n bytes.
func Size(n uintptr) uintptr {
	if n == 0 {
		return Align
	}
	return roundUp(n, Align)
}

// Alloc returns the address of a block of at least n bytes. Fresh blocks
// are zeroed; recycled blocks keep whatever the previous owner left.
func (a *Arena) Alloc(n uintptr) (uintptr, error) {
	if n > ^uintptr(0)-a.chunkSize {
		return 0, ErrTooLarge
	}
	n = Size(n)

	a.mu.Lock()
	defer a.mu.Unlock()

	if n > a.chunkSize/4 {
		return a.allocLarge(n)
	}

	if list := a.free[n]; len(list) > 0 {
		addr := list[len(list)-1]
		a.free[n] = list[:len(list)-1]
		a.freeListed -= n
		a.inUse += n
		return addr, nil
	}

	if a.end-a.cur < n {
		if err := a.grow(); err != nil {
			return 0, err
		}
	}
	addr := a.cur
	a.cur += n
	a.inUse += n
	return addr, nil
}

func (a *Arena) grow() error {
	// Park the tail of the old chunk as the largest block that fits, so no
	// mapped memory is lost to fragmentation at chunk boundaries.
	if tail := a.end - a.cur; tail >= Align {
		a.free[tail] = append(a.free[tail], a.cur)
		a.freeListed += tail
	}

	m, err := a.mapGuarded(a.chunkSize)
	if err != nil {
		return err
	}
	a.chunks = append(a.chunks, m)
	a.cur = uintptr(unsafe.Pointer(unsafe.SliceData(m.mem)))
	a.end = a.cur + m.usable
	return nil
}

func (a *Arena) allocLarge(n uintptr) (uintptr, error) {
	m, err := a.mapGuarded(roundUp(n, a.pageSize))
	if err != nil {
		return 0, err
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(m.mem)))
	a.large[addr] = m
	a.inUse += n
	return addr, nil
}

func (a *Arena) mapGuarded(usable uintptr) (mapping, error) {
	mem, err := sysMap(usable + a.pageSize)
	if err != nil {
		return mapping{}, fmt.Errorf("arena: map %d bytes: %w", usable, err)
	}
	if err := sysGuard(mem[usable:]); err != nil {
		_ = sysUnmap(mem)
		return mapping{}, fmt.Errorf("arena: guard page: %w", err)
	}
	a.mapped += usable
	return mapping{mem: mem, usable: usable}, nil
}

// Free returns a block obtained from Alloc(n). The caller must pass the same
// n; the arena does not record block sizes for small blocks.
func (a *Arena) Free(addr, n uintptr) error {
	n = Size(n)

	a.mu.Lock()
	defer a.mu.Unlock()

	if m, ok := a.large[addr]; ok {
		delete(a.large, addr)
		a.inUse -= n
		a.mapped -= m.usable
		if err := sysUnmap(m.mem); err != nil {
			return fmt.Errorf("arena: unmap %#x: %w", addr, err)
		}
		return nil
	}

	a.free[n] = append(a.free[n], addr)
	a.inUse -= n
	a.freeListed += n
	return nil
}

// Stats returns a snapshot of arena usage.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Mapped:     a.mapped,
		InUse:      a.inUse,
		FreeListed: a.freeListed,
		Chunks:     len(a.chunks),
		Large:      len(a.large),
	}
}

// Close unmaps everything. Blocks handed out become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for _, m := range a.chunks {
		errs = append(errs, sysUnmap(m.mem))
	}
	for _, m := range a.large {
		errs = append(errs, sysUnmap(m.mem))
	}
	a.chunks = nil
	a.large = make(map[uintptr]mapping)
	a.free = make(map[uintptr][]uintptr)
	a.cur, a.end = 0, 0
	a.inUse, a.freeListed, a.mapped = 0, 0, 0
	return errors.Join(errs...)
}
