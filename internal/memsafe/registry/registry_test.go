package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/kolkov/memsafe/internal/memsafe/checker"
)

const rz = 16

// span returns guarded bounds for a record based at base.
func span(base, size uintptr) (lo, hi uintptr) {
	return base - rz, base + size + rz
}

func mustRegister(t *testing.T, r *Registry, base, size uintptr) *Record {
	t.Helper()
	lo, hi := span(base, size)
	rec, err := r.Register(lo, base, size, hi, 0)
	if err != nil {
		t.Fatalf("Register(%#x, %d): %v", base, size, err)
	}
	return rec
}

// TestRegisterLookup tests containment over the guarded span.
func TestRegisterLookup(t *testing.T) {
	r := New(DefaultConfig(), nil)
	rec := mustRegister(t, r, 0x10010, 32)

	for _, addr := range []uintptr{0x10000, 0x10010, 0x1002f, 0x1003f} {
		got, ok := r.Lookup(addr)
		if !ok || got != rec {
			t.Errorf("Lookup(%#x) = (%p, %v), want record", addr, got, ok)
		}
	}
	for _, addr := range []uintptr{0x0ffff, 0x10040} {
		if _, ok := r.Lookup(addr); ok {
			t.Errorf("Lookup(%#x) matched outside guarded span", addr)
		}
	}
	if rec.State() != Live {
		t.Errorf("State() = %v, want live", rec.State())
	}
}

// TestRegisterOverlap tests that overlapping registrations fail.
func TestRegisterOverlap(t *testing.T) {
	r := New(DefaultConfig(), nil)
	mustRegister(t, r, 0x20010, 64)

	lo, hi := span(0x20040, 16)
	if _, err := r.Register(lo, 0x20040, 16, hi, 0); !errors.Is(err, ErrOverlap) {
		t.Errorf("overlapping Register error = %v, want ErrOverlap", err)
	}
	if _, err := r.Register(0x30010, 0x30000, 16, 0x30040, 0); err == nil {
		t.Error("Register with base below lo succeeded")
	}
}

// TestRetire tests the free state machine: success, double free, invalid free.
func TestRetire(t *testing.T) {
	r := New(DefaultConfig(), nil)
	rec := mustRegister(t, r, 0x40010, 16)

	if _, err := r.Retire(0x40018, 0); !errors.Is(err, ErrInvalidFree) {
		t.Errorf("interior Retire = %v, want ErrInvalidFree", err)
	}
	if _, err := r.Retire(0x90000, 0); !errors.Is(err, ErrInvalidFree) {
		t.Errorf("unknown Retire = %v, want ErrInvalidFree", err)
	}

	if _, err := r.Retire(0x40010, 7); err != nil {
		t.Fatalf("first Retire: %v", err)
	}
	if rec.State() != Quarantined || rec.FreeSite() != 7 || rec.Seq() == 0 {
		t.Errorf("after Retire: state %v, freeSite %d, seq %v", rec.State(), rec.FreeSite(), rec.Seq())
	}

	got, err := r.Retire(0x40010, 0)
	if !errors.Is(err, ErrDoubleFree) || got != rec {
		t.Errorf("second Retire = (%p, %v), want (record, ErrDoubleFree)", got, err)
	}
}

// TestQuarantineRegion tests the checker view across the lifecycle.
func TestQuarantineRegion(t *testing.T) {
	r := New(DefaultConfig(), nil)
	mustRegister(t, r, 0x50010, 16)

	c := checker.New(r)
	if v := c.Check(0x50010, 1).Verdict; v != checker.Valid {
		t.Fatalf("before free: %v, want valid", v)
	}
	if _, err := r.Retire(0x50010, 0); err != nil {
		t.Fatal(err)
	}
	if v := c.Check(0x50010, 1).Verdict; v != checker.UseAfterFree {
		t.Errorf("after free: %v, want heap-use-after-free", v)
	}
	if v := c.Check(0x50020, 1).Verdict; v != checker.HeapOutOfBounds {
		t.Errorf("freed redzone: %v, want heap-buffer-overflow", v)
	}
}

// TestQuarantineEvictionOrder tests strictly oldest-first eviction by count.
func TestQuarantineEvictionOrder(t *testing.T) {
	var evicted []*Record
	r := New(Config{QuarantineCount: 3}, func(rec *Record) { evicted = append(evicted, rec) })

	var recs []*Record
	for i := 0; i < 6; i++ {
		recs = append(recs, mustRegister(t, r, uintptr(0x100010+i*0x100), 32))
	}
	// Free in a shuffled order; eviction must follow free order.
	order := []int{4, 1, 5, 0, 3, 2}
	for _, i := range order {
		if _, err := r.Retire(recs[i].Base, 0); err != nil {
			t.Fatal(err)
		}
	}

	if len(evicted) != 3 {
		t.Fatalf("evicted %d records, want 3", len(evicted))
	}
	for k, rec := range evicted {
		if rec != recs[order[k]] {
			t.Errorf("eviction %d = record at %#x, want %#x", k, rec.Base, recs[order[k]].Base)
		}
		if rec.State() != Reclaimed {
			t.Errorf("evicted record state = %v, want reclaimed", rec.State())
		}
		if k > 0 && !evicted[k-1].Seq().Before(rec.Seq()) {
			t.Errorf("eviction %d seq %v not after %v", k, rec.Seq(), evicted[k-1].Seq())
		}
		if _, ok := r.Lookup(rec.Base); ok {
			t.Errorf("evicted record at %#x still indexed", rec.Base)
		}
	}

	if st := r.Stats(); st.QuarantinedCount != 3 || st.Evicted != 3 || st.LiveCount != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

// TestQuarantineByteBudget tests eviction driven by the byte limit.
func TestQuarantineByteBudget(t *testing.T) {
	evicted := 0
	// Each record is 64 + 2*16 = 96 guarded bytes; budget fits two.
	r := New(Config{QuarantineBytes: 200}, func(*Record) { evicted++ })

	for i := 0; i < 5; i++ {
		base := uintptr(0x200010 + i*0x100)
		mustRegister(t, r, base, 64)
		if _, err := r.Retire(base, 0); err != nil {
			t.Fatal(err)
		}
	}

	if evicted != 3 {
		t.Errorf("evicted = %d, want 3", evicted)
	}
	if st := r.Stats(); st.QuarantinedBytes != 192 {
		t.Errorf("QuarantinedBytes = %d, want 192", st.QuarantinedBytes)
	}
}

// TestQuarantineOversizedBlock tests that a block larger than the byte
// budget is still quarantined until the next free.
func TestQuarantineOversizedBlock(t *testing.T) {
	var evicted []uintptr
	r := New(Config{QuarantineBytes: 128}, func(rec *Record) { evicted = append(evicted, rec.Base) })
	c := checker.New(r)

	big := mustRegister(t, r, 0x600010, 4096)
	if _, err := r.Retire(big.Base, 0); err != nil {
		t.Fatal(err)
	}
	if len(evicted) != 0 {
		t.Fatalf("oversized block evicted on free: %#x", evicted)
	}
	if v := c.Check(big.Base+100, 1).Verdict; v != checker.UseAfterFree {
		t.Fatalf("access to oversized freed block = %v, want heap-use-after-free", v)
	}

	small := mustRegister(t, r, 0x700010, 16)
	if _, err := r.Retire(small.Base, 0); err != nil {
		t.Fatal(err)
	}
	if len(evicted) != 1 || evicted[0] != big.Base {
		t.Fatalf("evicted = %#x, want [%#x]", evicted, big.Base)
	}
	if st := r.Stats(); st.QuarantinedCount != 1 {
		t.Errorf("QuarantinedCount = %d, want 1", st.QuarantinedCount)
	}
}

// TestDrainAndLive tests teardown helpers.
func TestDrainAndLive(t *testing.T) {
	released := 0
	r := New(Config{}, func(*Record) { released++ })

	a := mustRegister(t, r, 0x300010, 8)
	mustRegister(t, r, 0x300110, 8)
	if _, err := r.Retire(a.Base, 0); err != nil {
		t.Fatal(err)
	}

	live := r.Live()
	if len(live) != 1 || live[0].Base != 0x300110 {
		t.Errorf("Live() = %v, want one record at 0x300110", live)
	}

	r.Drain()
	if released != 1 {
		t.Errorf("Drain released %d, want 1", released)
	}
	if _, ok := r.Lookup(a.Base); ok {
		t.Error("drained record still indexed")
	}
}

// TestConcurrentRetire tests that racing frees of one pointer succeed once.
func TestConcurrentRetire(t *testing.T) {
	r := New(DefaultConfig(), nil)
	const n = 200
	for i := 0; i < n; i++ {
		mustRegister(t, r, uintptr(0x400010+i*0x100), 16)
	}

	var wg sync.WaitGroup
	results := make(chan error, 4*n)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				_, err := r.Retire(uintptr(0x400010+i*0x100), 0)
				results <- err
			}
		}()
	}
	wg.Wait()
	close(results)

	ok, double := 0, 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDoubleFree):
			double++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != n || double != 3*n {
		t.Errorf("successes %d, double frees %d; want %d and %d", ok, double, n, 3*n)
	}
}

// TestConcurrentLookupDuringRegister tests that a registered span is visible
// to lookups on other goroutines as soon as Register returns.
func TestConcurrentLookupDuringRegister(t *testing.T) {
	r := New(DefaultConfig(), nil)
	published := make(chan uintptr, 1024)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for base := range published {
			rec, ok := r.Lookup(base)
			if !ok || rec.Base != base || rec.State() != Live {
				t.Errorf("Lookup(%#x) after publish = (%v, %v)", base, rec, ok)
				return
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		base := uintptr(0x800010 + i*0x80)
		mustRegister(t, r, base, 32)
		published <- base
	}
	close(published)
	wg.Wait()
}

func BenchmarkLookup(b *testing.B) {
	r := New(DefaultConfig(), nil)
	const n = 10000
	for i := 0; i < n; i++ {
		base := uintptr(0x1000010 + i*0x100)
		lo, hi := span(base, 64)
		_, _ = r.Register(lo, base, 64, hi, 0)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			r.Lookup(uintptr(0x1000010 + (i%n)*0x100 + 8))
			i++
		}
	})
}
