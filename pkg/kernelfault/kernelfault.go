// Package kernelfault abstracts the host kernel's fault-notification
// facility the pager depends on. The hypervisor bootstrap that registers
// vCPUs and the fault facility itself are out of this module's scope
// (spec.md §1); this package only specifies the contract the pager uses to
// read events and install pages.
package kernelfault

import (
	"context"
	"fmt"

	"github.com/distmem/pager/pkg/page"
)

// EventKind tags the decoded kernel fault event variants (spec.md §3,
// Event). Only PageFault is acted on; the others are observed and logged.
type EventKind uint8

const (
	EventPageFault EventKind = iota
	EventFork
	EventRemap
	EventRemove
	EventUnmap
)

func (k EventKind) String() string {
	switch k {
	case EventPageFault:
		return "page_fault"
	case EventFork:
		return "fork"
	case EventRemap:
		return "remap"
	case EventRemove:
		return "remove"
	case EventUnmap:
		return "unmap"
	default:
		return "unknown"
	}
}

// Event is a decoded kernel fault-channel notification.
type Event struct {
	Kind EventKind
	Addr uintptr // meaningful for PageFault, Remove, Unmap
	Len  int64   // meaningful for Remove, Unmap
}

// Channel is the fault-notification facility the pager reads from and
// installs pages into. Implementations: kernelfault/sim (portable, used in
// tests and non-Linux builds) and the Linux uffd backend (build tag linux).
type Channel interface {
	// ReadEvent blocks until the next event is available, ctx is canceled
	// (which returns ctx.Err()), or the channel is closed (which returns a
	// plain non-nil error; callers that need to tell shutdown apart from a
	// real failure check their own ctx).
	ReadEvent(ctx context.Context) (Event, error)

	// Install atomically copies data into the faulting range at the page
	// identified by p and wakes any vCPU blocked on it. data must be
	// exactly page.Size bytes.
	Install(p page.Number, data []byte) error

	// Close releases the fault facility and unblocks any pending ReadEvent.
	Close() error
}

// ValidateInstall is the shared precondition every Channel.Install
// implementation applies before touching kernel state.
func ValidateInstall(data []byte) error {
	if len(data) != page.Size {
		return fmt.Errorf("kernelfault: install payload must be %d bytes, got %d", page.Size, len(data))
	}

	return nil
}
