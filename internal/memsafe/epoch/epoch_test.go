package epoch

import (
	"sync"
	"testing"
)

// TestClockTick tests that ticks are strictly increasing and never zero.
func TestClockTick(t *testing.T) {
	var c Clock

	if !c.Now().IsZero() {
		t.Fatalf("fresh clock Now() = %v, want zero", c.Now())
	}

	prev := c.Tick()
	if prev.IsZero() {
		t.Fatal("first Tick() returned the zero epoch")
	}

	for i := 0; i < 100; i++ {
		next := c.Tick()
		if !prev.Before(next) {
			t.Fatalf("Tick() not increasing: %v then %v", prev, next)
		}
		prev = next
	}

	if c.Now() != prev {
		t.Errorf("Now() = %v, want %v", c.Now(), prev)
	}
}

// TestClockConcurrentUnique tests that concurrent ticks never repeat.
func TestClockConcurrentUnique(t *testing.T) {
	var c Clock
	const goroutines, perG = 8, 1000

	results := make(chan Epoch, goroutines*perG)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				results <- c.Tick()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[Epoch]bool, goroutines*perG)
	for e := range results {
		if seen[e] {
			t.Fatalf("epoch %v issued twice", e)
		}
		seen[e] = true
	}

	if got := c.Now(); got != Epoch(goroutines*perG) {
		t.Errorf("Now() = %v, want #%d", got, goroutines*perG)
	}
}

func TestEpochString(t *testing.T) {
	if got := Epoch(42).String(); got != "#42" {
		t.Errorf("String() = %q, want %q", got, "#42")
	}
}

func BenchmarkTick(b *testing.B) {
	var c Clock
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = c.Tick()
		}
	})
}
