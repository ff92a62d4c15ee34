// Package stack tracks the bounds of local buffers while their scope is
// active.
//
// A Descriptor exists for every tracked buffer from scope entry to scope
// exit. Descriptors live in a shadow.Index so that any goroutine can ask
// which active buffer contains an address, while entry and exit are only
// ever performed by the goroutine that owns the frame.
//
// # Frames
//
// A Frame is the tracking state of one function activation:
//
//	frame := tracker.EnterFrame("main.parse")
//	defer frame.Exit()                 // every exit path, panics included
//
//	buf := stack.Local[[32]int32](frame) // padded holder, scope entered
//	...
//	frame.ExitScope(unsafe.Pointer(buf)) // block-level buffers only
//
// Local places the buffer between two guard arrays inside one Go object.
// The guards are owned by the buffer, so the bytes just before and after it
// can only be reached by an out-of-bounds access, and the object cannot move
// or be collected while the descriptor references it.
package stack
