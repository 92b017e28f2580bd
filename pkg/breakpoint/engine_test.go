package breakpoint

import "fmt"

// fakeEngine records registrations the way a real engine would: one armed bit
// per address. It fails on addresses listed in bad.
type fakeEngine struct {
	armed   map[GuestAddr]bool
	sets    int
	removes int
	bad     map[GuestAddr]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		armed: make(map[GuestAddr]bool),
		bad:   make(map[GuestAddr]bool),
	}
}

func (e *fakeEngine) SetBreakpoint(addr GuestAddr) error {
	if e.bad[addr] {
		return fmt.Errorf("unmapped address %s", addr)
	}
	if e.armed[addr] {
		return fmt.Errorf("breakpoint already set at %s", addr)
	}
	e.sets++
	e.armed[addr] = true
	return nil
}

func (e *fakeEngine) RemoveBreakpoint(addr GuestAddr) error {
	if e.bad[addr] {
		return fmt.Errorf("unmapped address %s", addr)
	}
	e.removes++
	delete(e.armed, addr)
	return nil
}
