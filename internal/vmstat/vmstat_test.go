package vmstat_test

import (
	"sync"
	"testing"

	"roguevm/internal/vmstat"
)

func TestCounterIncConcurrent(t *testing.T) {
	var c vmstat.Counter
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc()
		}()
	}
	wg.Wait()
	if got := c.Load(); got != 100 {
		t.Fatalf("Load() = %d, want 100", got)
	}
}

func TestCounterAdd(t *testing.T) {
	var c vmstat.Counter
	c.Add(5)
	c.Add(7)
	if got := c.Load(); got != 12 {
		t.Fatalf("Load() = %d, want 12", got)
	}
}
