package shim

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/kolkov/memsafe/internal/memsafe/arena"
	"github.com/kolkov/memsafe/internal/memsafe/checker"
	"github.com/kolkov/memsafe/internal/memsafe/registry"
	"github.com/kolkov/memsafe/internal/memsafe/report"
	"github.com/kolkov/memsafe/internal/memsafe/stackdepot"
)

type fixture struct {
	shim       *Shim
	reg        *registry.Registry
	check      *checker.Checker
	violations []*report.Violation
}

func newFixture(t *testing.T, qcfg registry.Config) *fixture {
	t.Helper()
	a := arena.New(1 << 20)
	t.Cleanup(func() { _ = a.Close() })

	f := &fixture{}
	f.reg = registry.New(qcfg, func(rec *registry.Record) { _ = a.Free(rec.Lo, rec.Gross()) })
	f.shim = New(a, f.reg, stackdepot.New(), Config{Redzone: 16, PoisonByte: 0xfd, MallocContext: true},
		func(v *report.Violation) { f.violations = append(f.violations, v) })
	f.check = checker.New(f.reg)
	return f
}

// TestAllocLayout tests alignment, redzone fill and registration.
func TestAllocLayout(t *testing.T) {
	f := newFixture(t, registry.DefaultConfig())

	p := f.shim.Alloc(20)
	if p == nil {
		t.Fatal("Alloc returned nil")
	}
	base := uintptr(p)
	if base%16 != 0 {
		t.Errorf("base %#x not 16-aligned", base)
	}

	rec, ok := f.reg.Lookup(base)
	if !ok || rec.Base != base || rec.Size != 20 || rec.Redzone != 16 {
		t.Fatalf("record = %+v, ok %v", rec, ok)
	}
	if rec.Site == 0 {
		t.Error("allocation site not captured")
	}
	if rec.Hi-rec.Lo != 16+32+16 {
		t.Errorf("gross = %d, want 64", rec.Hi-rec.Lo)
	}

	for _, b := range bytesAt(rec.Lo, 16) {
		if b != RedzoneFill {
			t.Fatalf("left redzone byte %#x, want %#x", b, RedzoneFill)
		}
	}
	for _, b := range bytesAt(base+20, rec.Hi-base-20) {
		if b != RedzoneFill {
			t.Fatalf("right redzone byte %#x, want %#x", b, RedzoneFill)
		}
	}
}

// TestScenarioHeapOverflow writes 33 bytes into a 32-byte block.
func TestScenarioHeapOverflow(t *testing.T) {
	f := newFixture(t, registry.DefaultConfig())
	base := uintptr(f.shim.Alloc(32))

	for off := uintptr(0); off < 33; off++ {
		want := checker.Valid
		if off == 32 {
			want = checker.HeapOutOfBounds
		}
		if got := f.check.Check(base+off, 1).Verdict; got != want {
			t.Errorf("offset %d: %v, want %v", off, got, want)
		}
	}
}

// TestScenarioUseAfterFree reads a freed block.
func TestScenarioUseAfterFree(t *testing.T) {
	f := newFixture(t, registry.DefaultConfig())
	p := f.shim.Alloc(16)
	base := uintptr(p)

	if v := f.check.Check(base, 1).Verdict; v != checker.Valid {
		t.Fatalf("before free: %v", v)
	}
	if err := f.shim.Dealloc(p); err != nil {
		t.Fatalf("Dealloc: %v", err)
	}
	if v := f.check.Check(base, 1).Verdict; v != checker.UseAfterFree {
		t.Errorf("after free: %v, want heap-use-after-free", v)
	}

	for i, b := range bytesAt(base, 16) {
		if b != 0xfd {
			t.Fatalf("freed byte %d = %#x, want poison 0xfd", i, b)
		}
	}
	if len(f.violations) != 0 {
		t.Errorf("unexpected violations: %d", len(f.violations))
	}
}

// TestScenarioDoubleFree frees a block twice.
func TestScenarioDoubleFree(t *testing.T) {
	f := newFixture(t, registry.DefaultConfig())
	p := f.shim.Alloc(24)

	if err := f.shim.Dealloc(p); err != nil {
		t.Fatalf("first Dealloc: %v", err)
	}
	err := f.shim.Dealloc(p)
	if !errors.Is(err, registry.ErrDoubleFree) {
		t.Fatalf("second Dealloc = %v, want ErrDoubleFree", err)
	}
	if len(f.violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(f.violations))
	}
	v := f.violations[0]
	if v.Verdict != checker.DoubleFree || !v.Found || v.Region.FreeSite == 0 {
		t.Errorf("violation = %+v", v)
	}
}

// TestInvalidFree tests frees of interior and foreign pointers.
func TestInvalidFree(t *testing.T) {
	f := newFixture(t, registry.DefaultConfig())
	p := f.shim.Alloc(64)

	if err := f.shim.Dealloc(unsafe.Add(p, 8)); !errors.Is(err, registry.ErrInvalidFree) {
		t.Errorf("interior free = %v, want ErrInvalidFree", err)
	}
	var local int
	if err := f.shim.Dealloc(unsafe.Pointer(&local)); !errors.Is(err, registry.ErrInvalidFree) {
		t.Errorf("foreign free = %v, want ErrInvalidFree", err)
	}
	if err := f.shim.Dealloc(nil); err != nil {
		t.Errorf("Dealloc(nil) = %v", err)
	}

	if len(f.violations) != 2 {
		t.Fatalf("violations = %d, want 2", len(f.violations))
	}
	for _, v := range f.violations {
		if v.Verdict != checker.InvalidFree {
			t.Errorf("verdict = %v, want bad-free", v.Verdict)
		}
	}
	// The interior free did not poison or retire the live block.
	if v := f.check.Check(uintptr(p), 64).Verdict; v != checker.Valid {
		t.Errorf("block after bad free: %v, want valid", v)
	}
}

// TestCalloc tests zeroing and overflow.
func TestCalloc(t *testing.T) {
	f := newFixture(t, registry.Config{QuarantineCount: 1})

	// Dirty a block and let it be recycled.
	a := f.shim.Alloc(64)
	fill(bytesAt(uintptr(a), 64), 0x55)
	_ = f.shim.Dealloc(a)
	b := f.shim.Alloc(8)
	_ = f.shim.Dealloc(b) // evicts a

	p := f.shim.Calloc(8, 8)
	if p == nil {
		t.Fatal("Calloc returned nil")
	}
	for i, v := range bytesAt(uintptr(p), 64) {
		if v != 0 {
			t.Fatalf("Calloc byte %d = %#x, want 0", i, v)
		}
	}

	if q := f.shim.Calloc(^uintptr(0)/2, 4); q != nil {
		t.Error("overflowing Calloc returned memory")
	}
}

// TestRealloc tests growth, shrink, nil and zero-size cases.
func TestRealloc(t *testing.T) {
	f := newFixture(t, registry.DefaultConfig())

	p := f.shim.Realloc(nil, 8)
	if p == nil || f.shim.UsableSize(p) != 8 {
		t.Fatalf("Realloc(nil, 8) = %p (size %d)", p, f.shim.UsableSize(p))
	}
	copy(bytesAt(uintptr(p), 8), "abcdefgh")

	q := f.shim.Realloc(p, 32)
	if string(bytesAt(uintptr(q), 8)) != "abcdefgh" {
		t.Errorf("grown contents = %q", bytesAt(uintptr(q), 8))
	}
	if v := f.check.Check(uintptr(p), 1).Verdict; v != checker.UseAfterFree {
		t.Errorf("old block after Realloc: %v, want heap-use-after-free", v)
	}

	r := f.shim.Realloc(q, 4)
	if string(bytesAt(uintptr(r), 4)) != "abcd" || f.shim.UsableSize(r) != 4 {
		t.Errorf("shrunk block = %q size %d", bytesAt(uintptr(r), 4), f.shim.UsableSize(r))
	}

	if f.shim.Realloc(r, 0) != nil {
		t.Error("Realloc(p, 0) returned memory")
	}
	if v := f.check.Check(uintptr(r), 1).Verdict; v != checker.UseAfterFree {
		t.Errorf("block after Realloc(p, 0): %v", v)
	}

	if f.shim.Realloc(r, 16) != nil || len(f.violations) != 1 || f.violations[0].Verdict != checker.DoubleFree {
		t.Errorf("Realloc of freed block: violations %+v", f.violations)
	}
}

// TestQuarantineReuse tests that evicted blocks are recycled by the arena
// and become valid again only under their new registration.
func TestQuarantineReuse(t *testing.T) {
	f := newFixture(t, registry.Config{QuarantineCount: 1})

	a := f.shim.Alloc(32)
	_ = f.shim.Dealloc(a)
	b := f.shim.Alloc(48)
	_ = f.shim.Dealloc(b) // a is evicted here

	c := f.shim.Alloc(32)
	if c != a {
		t.Skipf("arena did not recycle the evicted block (%p vs %p)", c, a)
	}
	if v := f.check.Check(uintptr(c), 32).Verdict; v != checker.Valid {
		t.Errorf("recycled block: %v, want valid", v)
	}
}

func BenchmarkAllocFree(b *testing.B) {
	a := arena.New(0)
	defer a.Close()
	reg := registry.New(registry.DefaultConfig(), func(rec *registry.Record) { _ = a.Free(rec.Lo, rec.Gross()) })
	s := New(a, reg, stackdepot.New(), Config{Redzone: 16, PoisonByte: 0xfd}, func(*report.Violation) {})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Dealloc(s.Alloc(64))
	}
}
