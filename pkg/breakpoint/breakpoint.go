// Package breakpoint models breakpoints of a guest program driven by an
// execution engine.
//
// A Breakpoint binds a guest address to an optional command. The package never
// runs the command; Trigger hands it back to the caller. Every call that
// changes engine state takes the engine as an argument.
package breakpoint

import (
	"cmp"
	"fmt"
)

// Breakpoint is a request to interrupt the guest at Addr. C is the command type
// of the harness that owns the breakpoint.
type Breakpoint[C any] struct {
	id               ID
	addr             GuestAddr
	cmd              C
	hasCmd           bool
	disableOnTrigger bool
	enabled          bool
}

// New creates a breakpoint without a command. The engine will simply return to
// the harness when the guest reaches addr.
func New[C any](addr GuestAddr, disableOnTrigger bool) *Breakpoint[C] {
	return &Breakpoint[C]{
		id:               NextID(),
		addr:             addr,
		disableOnTrigger: disableOnTrigger,
	}
}

// NewWithCommand creates a breakpoint carrying cmd. Trigger returns cmd to the
// caller, which decides how to run it.
func NewWithCommand[C any](addr GuestAddr, cmd C, disableOnTrigger bool) *Breakpoint[C] {
	return &Breakpoint[C]{
		id:               NextID(),
		addr:             addr,
		cmd:              cmd,
		hasCmd:           true,
		disableOnTrigger: disableOnTrigger,
	}
}

func (bp *Breakpoint[C]) ID() ID {
	return bp.id
}

func (bp *Breakpoint[C]) Addr() GuestAddr {
	return bp.addr
}

// Enabled reports whether the breakpoint is currently registered with the engine.
func (bp *Breakpoint[C]) Enabled() bool {
	return bp.enabled
}

func (bp *Breakpoint[C]) DisableOnTrigger() bool {
	return bp.disableOnTrigger
}

func (bp *Breakpoint[C]) HasCommand() bool {
	return bp.hasCmd
}

// Command returns the attached command without touching the engine, for
// listing purposes. Use Trigger when the guest reached the breakpoint.
func (bp *Breakpoint[C]) Command() (C, bool) {
	return bp.cmd, bp.hasCmd
}

// Enable registers the breakpoint with the engine. Enabling an enabled
// breakpoint does nothing.
func (bp *Breakpoint[C]) Enable(e Engine) error {
	if bp.enabled {
		return nil
	}

	if err := e.SetBreakpoint(bp.addr); err != nil {
		return err
	}
	bp.enabled = true

	return nil
}

// Disable removes the breakpoint from the engine. Disabling a disabled
// breakpoint does nothing.
func (bp *Breakpoint[C]) Disable(e Engine) error {
	if !bp.enabled {
		return nil
	}

	if err := e.RemoveBreakpoint(bp.addr); err != nil {
		return err
	}
	bp.enabled = false

	return nil
}

// Trigger is called when the guest reached Addr. If the breakpoint disables on
// trigger it is removed from the engine first, so re-arming is up to whoever
// receives the command. ok is false when the breakpoint has no command.
func (bp *Breakpoint[C]) Trigger(e Engine) (cmd C, ok bool, err error) {
	if bp.disableOnTrigger {
		if err = bp.Disable(e); err != nil {
			return cmd, false, err
		}
	}

	return bp.cmd, bp.hasCmd, nil
}

// Equal reports whether both values are the same breakpoint. Only the identity
// is compared, never the address.
func (bp *Breakpoint[C]) Equal(other *Breakpoint[C]) bool {
	if bp == nil || other == nil {
		return bp == other
	}
	return bp.id == other.id
}

// Compare orders breakpoints by identity.
func (bp *Breakpoint[C]) Compare(other *Breakpoint[C]) int {
	return cmp.Compare(bp.id, other.id)
}

func (bp *Breakpoint[C]) String() string {
	return fmt.Sprintf("Breakpoint @vaddr %s", bp.addr)
}
