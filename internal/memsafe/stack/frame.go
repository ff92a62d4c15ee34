package stack

import (
	"unsafe"

	"github.com/kolkov/memsafe/internal/memsafe/epoch"
)

// Redzone is the guard width on each side of a Local buffer.
const Redzone = 32

// Frame holds the scopes opened by one function activation. A Frame belongs
// to the goroutine running that activation and must not be shared.
type Frame struct {
	t      *Tracker
	fn     string
	epoch  epoch.Epoch
	scopes []Token
}

// EnterFrame starts a frame for function fn.
func (t *Tracker) EnterFrame(fn string) *Frame {
	return &Frame{t: t, fn: fn, epoch: t.clock.Tick()}
}

// Func returns the function identifier of the frame.
func (f *Frame) Func() string { return f.fn }

// Epoch returns the entry epoch of the frame.
func (f *Frame) Epoch() epoch.Epoch { return f.epoch }

// EnterScope tracks [ptr, ptr+size) until ExitScope(ptr) or Exit.
func (f *Frame) EnterScope(ptr unsafe.Pointer, size uintptr) Token {
	base := uintptr(ptr)
	return f.push(ptr, base, base, size, base+size)
}

func (f *Frame) push(ptr unsafe.Pointer, lo, base, size, hi uintptr) Token {
	tok, err := f.t.enter(ptr, lo, base, size, hi, f.fn, f.epoch)
	if err != nil {
		f.t.fail(err)
		return Token{}
	}
	if tok.d != nil {
		f.scopes = append(f.scopes, tok)
	}
	return tok
}

// ExitScope closes the most recent scope opened for ptr. Unknown pointers
// are ignored, so an exit on a path where the scope already closed is safe.
func (f *Frame) ExitScope(ptr unsafe.Pointer) {
	for i := len(f.scopes) - 1; i >= 0; i-- {
		if f.scopes[i].d.ptr == ptr {
			f.t.ExitScope(f.scopes[i])
			f.scopes = append(f.scopes[:i], f.scopes[i+1:]...)
			return
		}
	}
}

// Exit closes every scope still open, most recent first.
func (f *Frame) Exit() {
	for i := len(f.scopes) - 1; i >= 0; i-- {
		f.t.ExitScope(f.scopes[i])
	}
	f.scopes = f.scopes[:0]
}

// Open returns the number of scopes the frame still holds.
func (f *Frame) Open() int {
	return len(f.scopes)
}

type holder[T any] struct {
	lo [Redzone]byte
	v  T
	hi [Redzone]byte
}

// Local allocates a zero T between guard arrays and opens its scope in f.
func Local[T any](f *Frame) *T {
	h := new(holder[T])
	p := &h.v
	lo := uintptr(unsafe.Pointer(h))
	f.push(unsafe.Pointer(p), lo, uintptr(unsafe.Pointer(p)), unsafe.Sizeof(h.v), lo+unsafe.Sizeof(*h))
	return p
}
