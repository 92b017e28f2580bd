package breakpoint

import "fmt"

// GuestAddr is a location in the address space of the guest program.
type GuestAddr uint64

func (a GuestAddr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Engine is the execution engine that arms and disarms address-triggered
// interrupts. Errors are the engine's own and are passed through untouched.
type Engine interface {
	SetBreakpoint(addr GuestAddr) error
	RemoveBreakpoint(addr GuestAddr) error
}
