// Package memsafe provides the runtime of a pure-Go memory-safety monitor.
//
// The monitor catches heap and stack buffer overflows, use-after-free,
// double free and invalid free in Go code that manages memory by hand
// (unsafe pointer arithmetic, C-style allocation, fixed-size buffers) and
// stops the program at the first violation with a report of what was
// accessed, where, and where the memory came from.
//
// # Quick Start
//
// The memsafe tool rewrites a program to call this package:
//
//	$ memsafe build ./cmd/tool
//	$ ./tool
//
// or in one step:
//
//	$ memsafe run main.go -- arg1 arg2
//
// Package tests run against instrumented package code with:
//
//	$ memsafe test ./... -- -run TestDecode
//
// # What Gets Rewritten
//
// Dereferences and indexes are routed through [Deref] and [Index], which
// check the address and hand their operand back unchanged:
//
//	// Original code:
//	buf := C.malloc(32)
//	p := (*[32]byte)(buf)
//	p[i] = 1
//	C.free(buf)
//
//	// Instrumented code:
//	buf := memsafe.Malloc(uintptr(32))
//	p := (*[32]byte)(buf)
//	p[memsafe.Index(unsafe.Pointer(p), i, unsafe.Sizeof(p[0]), true)] = 1
//	memsafe.Free(unsafe.Pointer(buf))
//
// Fixed-size local arrays are moved into tracked frames so that indexing
// past them is caught:
//
//	func f() {
//		__msframe := memsafe.EnterFrame("main.f")
//		defer __msframe.Exit()
//		a := memsafe.Local[[32]byte](__msframe)
//		(*a)[memsafe.Index(unsafe.Pointer(&(*a)), i, unsafe.Sizeof((*a)[0]), true)] = 0
//	}
//
// # Heap Layout
//
// [Malloc] places every block between two redzones filled with 0xfa. Freed
// blocks are filled with the poison byte and held in a quarantine before
// their memory is reused, so dangling pointers keep hitting a freed region
// for as long as the quarantine allows.
//
// # Configuration
//
// MEMSAFE_OPTIONS holds colon-separated key=value pairs read at startup:
//
//	redzone=16            bytes on each side of a block (16..2048, multiple of 16)
//	quarantine_count=65536
//	quarantine_bytes=67108864
//	poison_byte=0xfd
//	malloc_context=1      record allocation and free stacks
//	report_leaks=1        list live blocks in Cleanup
//	strict=0              report accesses outside every tracked region
//	log_path=             write reports to a file instead of stderr
//	verbosity=0           1 prints a summary in Cleanup
//
// # Report Format
//
//	==================================================================
//	ERROR: memsafe: Illegal memory access: heap-buffer-overflow on address 0x00007f3a1c000030
//	WRITE of size 1 at 0x00007f3a1c000030
//	  main.fill()
//	      /src/main.go:12
//
//	0x00007f3a1c000030 is located 0 bytes after 32-byte region [0x00007f3a1c000010, 0x00007f3a1c000030)
//
//	allocated by:
//	  main.main()
//	      /src/main.go:20
//
//	SUMMARY: memsafe: heap-buffer-overflow /src/main.go:12 in main.fill
//	==================================================================
//
// The exit status tells the violation kind; see [CheckAddr].
//
// # Limitations
//
// Only code rewritten by the memsafe tool is checked. Memory that the
// monitor did not allocate (ordinary Go values, C memory from uninstrumented
// libraries) is Unknown and passes unless strict=1. Once a freed block
// leaves the quarantine its memory can be reused and a dangling access to it
// is no longer detectable.
package memsafe
