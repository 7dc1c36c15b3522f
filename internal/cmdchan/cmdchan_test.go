package cmdchan_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roguevm/internal/cmdchan"
	"roguevm/internal/vmerr"
)

func TestSendWaitImmediateBackend(t *testing.T) {
	c := cmdchan.NewChannel(nil)
	slot, err := c.Send(cmdchan.Command{Type: cmdchan.MMUCacheInvalidate, Flags: cmdchan.AllFlags})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Wait(slot, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

type countingBackend struct {
	n atomic.Int64
}

func (b *countingBackend) Process(cmdchan.Command) error {
	b.n.Add(1)
	time.Sleep(20 * time.Millisecond)
	return nil
}

func TestMMUFlushCoalescesConcurrentCallers(t *testing.T) {
	backend := &countingBackend{}
	c := cmdchan.NewChannel(backend)

	var wg sync.WaitGroup
	const callers = 8
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.MMUFlush(time.Second)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: MMUFlush: %v", i, err)
		}
	}
	if n := backend.n.Load(); n != 1 {
		t.Fatalf("backend.Process called %d times, want 1 (coalesced)", n)
	}
}

type slowBackend struct{ delay time.Duration }

func (b slowBackend) Process(cmdchan.Command) error {
	time.Sleep(b.delay)
	return nil
}

func TestWaitTimesOut(t *testing.T) {
	c := cmdchan.NewChannel(slowBackend{delay: 200 * time.Millisecond})
	slot, err := c.Send(cmdchan.Command{Type: cmdchan.MMUCacheInvalidate, Flags: cmdchan.AllFlags})
	if err != nil {
		t.Fatal(err)
	}
	err = c.Wait(slot, 5*time.Millisecond)
	if !errors.Is(err, vmerr.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

type failingBackend struct{}

func (failingBackend) Process(cmdchan.Command) error {
	return errors.New("device rejected command")
}

func TestWaitPropagatesBackendError(t *testing.T) {
	c := cmdchan.NewChannel(failingBackend{})
	slot, err := c.Send(cmdchan.Command{Type: cmdchan.MMUCacheInvalidate, Flags: cmdchan.AllFlags})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Wait(slot, time.Second); err == nil {
		t.Fatal("Wait: err = nil, want the backend's error")
	}
}
