// Package cmdchan implements the command channel the VM subsystem
// consumes to request device-side work: one asynchronous command type,
// MMU_CACHE_INVALIDATE, sent with every invalidation flag set on every
// flush. A Channel hands back a Slot from Send and blocks on it in
// Wait; MMUFlush wraps that pair and coalesces concurrent flush
// requests for the same device into a single outstanding command, so
// that a burst of map/unmap calls racing to flush does not queue one
// redundant invalidate per caller.
package cmdchan

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"roguevm/internal/vmerr"
)

// CmdType enumerates command-channel command types. Only one is
// required by this subsystem.
type CmdType int

// MMUCacheInvalidate is the sole command type this subsystem sends.
const MMUCacheInvalidate CmdType = 0

// InvalidateFlags selects which caches an MMU_CACHE_INVALIDATE touches.
// The VM subsystem always requests every flag together.
type InvalidateFlags struct {
	L0, L1, L2, TLB, Interrupt bool
}

// AllFlags is the flag set every flush request uses.
var AllFlags = InvalidateFlags{L0: true, L1: true, L2: true, TLB: true, Interrupt: true}

// Command is one command-channel request.
type Command struct {
	Type  CmdType
	Flags InvalidateFlags
}

// Slot identifies one outstanding command handed back by Send.
type Slot uint64

// Backend processes one command and reports its outcome. The default
// backend (see NewChannel) always succeeds immediately; tests and
// simulations substitute their own to model latency or failure.
type Backend interface {
	Process(Command) error
}

// ImmediateBackend completes every command successfully with no delay,
// standing in for an always-responsive device.
type ImmediateBackend struct{}

// Process implements Backend.
func (ImmediateBackend) Process(Command) error { return nil }

// Channel is one device's command channel.
type Channel struct {
	backend Backend

	mu       sync.Mutex
	nextSlot Slot
	pending  map[Slot]chan error

	flushGroup singleflight.Group
}

// NewChannel builds a channel over backend. A nil backend defaults to
// ImmediateBackend.
func NewChannel(backend Backend) *Channel {
	if backend == nil {
		backend = ImmediateBackend{}
	}
	return &Channel{
		backend: backend,
		pending: make(map[Slot]chan error),
	}
}

// Send submits cmd for asynchronous processing and returns the slot to
// Wait on.
func (c *Channel) Send(cmd Command) (Slot, error) {
	c.mu.Lock()
	slot := c.nextSlot
	c.nextSlot++
	done := make(chan error, 1)
	c.pending[slot] = done
	c.mu.Unlock()

	go func() {
		done <- c.backend.Process(cmd)
	}()
	return slot, nil
}

// Wait blocks until slot's command completes or timeout elapses,
// returning a *vmerr.Error of KindTimeout in the latter case.
func (c *Channel) Wait(slot Slot, timeout time.Duration) error {
	c.mu.Lock()
	done, ok := c.pending[slot]
	c.mu.Unlock()
	if !ok {
		return vmerr.New(vmerr.KindInvalidArgument, "cmdchan.wait")
	}

	select {
	case err := <-done:
		c.mu.Lock()
		delete(c.pending, slot)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		return nil
	case <-time.After(timeout):
		return vmerr.New(vmerr.KindTimeout, "cmdchan.wait")
	}
}

// MMUFlush sends an MMU_CACHE_INVALIDATE with every flag set and waits
// up to timeout for its completion. Concurrent calls are coalesced:
// callers racing to flush the same channel share one outstanding
// command and one wait instead of each enqueueing their own.
func (c *Channel) MMUFlush(timeout time.Duration) error {
	_, err, _ := c.flushGroup.Do("mmu_flush", func() (any, error) {
		slot, err := c.Send(Command{Type: MMUCacheInvalidate, Flags: AllFlags})
		if err != nil {
			return nil, err
		}
		return nil, c.Wait(slot, timeout)
	})
	return err
}
