// Package checker implements the validity check run before every
// instrumented memory access.
//
// The checker is a pure classification function. It holds no metadata of
// its own: it asks an ordered list of Checkable stores (the heap registry
// first, then the stack tracker) which region claims an address, and turns
// the answer into a Verdict.
//
// # Algorithm
//
// For an access [addr, addr+width):
//
//  1. Heap store: a live region whose requested span contains the access is
//     Valid. A region (live or freed) that claims addr but does not contain
//     the whole access is HeapOutOfBounds. A freed region whose requested
//     span contains the access is UseAfterFree.
//  2. Stack store, same containment logic: Valid or StackOutOfBounds.
//  3. Nothing claims addr: Unknown.
//
// The first store that claims the address decides, so heap classification
// wins over stack if both could match.
package checker
