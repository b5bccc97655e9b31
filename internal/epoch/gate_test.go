package epoch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestViewSeesPairedWritesTogether(t *testing.T) {
	g := New()
	var mu sync.Mutex
	a, b := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				g.Mutate(func() {
					mu.Lock()
					a++
					mu.Unlock()
					mu.Lock()
					b++
					mu.Unlock()
				})
			}
		}()
	}

	for i := 0; i < 200; i++ {
		g.View(func() {
			mu.Lock()
			defer mu.Unlock()
			if a != b {
				t.Errorf("torn view: a=%d b=%d", a, b)
			}
		})
	}
	wg.Wait()
	if v := g.Version(); v != 8*500 {
		t.Fatalf("version = %d, want %d", v, 8*500)
	}
}

func TestNilGateRunsInline(t *testing.T) {
	var g *Gate
	ran := 0
	g.Mutate(func() { ran++ })
	if v := g.View(func() { ran++ }); v != 0 || ran != 2 {
		t.Fatalf("nil gate: v=%d ran=%d", v, ran)
	}
}

func TestNestedMutateJoinsOuterChange(t *testing.T) {
	g := New()
	viewed := make(chan uint64, 1)
	inner := 0
	g.MutateContext(context.Background(), func(ctx context.Context) {
		go func() { viewed <- g.View(func() {}) }()
		// Give the view time to queue behind the outer change.
		time.Sleep(20 * time.Millisecond)
		g.MutateContext(ctx, func(context.Context) { inner++ })
		select {
		case v := <-viewed:
			t.Errorf("view ran inside the change at version %d", v)
		default:
		}
	})
	if v := <-viewed; v != 1 || inner != 1 {
		t.Fatalf("view saw version %d, inner ran %d times", v, inner)
	}
}
