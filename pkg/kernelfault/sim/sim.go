// Package sim is a portable, in-process kernelfault.Channel used by tests,
// benchmarks, and any non-Linux build. It has no real kernel dependency: it
// replays a queue of events the caller feeds it and records installed pages
// in an ordinary map, guarded the same way the teacher's block.Bitset pairs
// a mutex with a value type rather than reaching for atomics.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/distmem/pager/pkg/kernelfault"
	"github.com/distmem/pager/pkg/page"
)

// Channel is a fake kernelfault.Channel driven by an explicit event queue.
type Channel struct {
	mu        sync.Mutex
	events    chan kernelfault.Event
	installed map[page.Number][]byte
	closed    bool
}

// New creates a Channel with room for backlog pending events.
func New(backlog int) *Channel {
	return &Channel{
		events:    make(chan kernelfault.Event, backlog),
		installed: make(map[page.Number][]byte),
	}
}

// Push enqueues an event for a future ReadEvent call. It panics if called
// after Close, matching the teacher's "never write to a closed channel"
// convention in the nbd listener's accept loop.
func (c *Channel) Push(ev kernelfault.Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		panic("kernelfault/sim: Push after Close")
	}

	c.events <- ev
}

// ReadEvent returns the next pushed event, or an error once ctx is canceled
// or the channel is closed.
func (c *Channel) ReadEvent(ctx context.Context) (kernelfault.Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return kernelfault.Event{}, fmt.Errorf("kernelfault/sim: channel closed")
		}

		return ev, nil
	case <-ctx.Done():
		return kernelfault.Event{}, ctx.Err()
	}
}

// Install validates and records the installed bytes for page p so tests can
// assert on exactly what the pager wrote.
func (c *Channel) Install(p page.Number, data []byte) error {
	if err := kernelfault.ValidateInstall(data); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, already := c.installed[p]; already {
		return fmt.Errorf("kernelfault/sim: page %d installed twice", p)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	c.installed[p] = cp

	return nil
}

// Installed returns a copy of the bytes installed for page p, if any.
func (c *Channel) Installed(p page.Number) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.installed[p]

	return data, ok
}

// Close marks the channel closed and unblocks any pending ReadEvent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.events)

	return nil
}
