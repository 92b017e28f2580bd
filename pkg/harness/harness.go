package harness

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/aivorynet/breakharness/pkg/breakpoint"
	"github.com/aivorynet/breakharness/pkg/capture"
	"github.com/aivorynet/breakharness/pkg/emulator"
	"github.com/aivorynet/breakharness/pkg/transport"
)

const logPrefix = "[breakharness] "

var (
	ErrAddressInUse      = errors.New("address already has a breakpoint")
	ErrUnknownBreakpoint = errors.New("unknown breakpoint")
	// ErrStrayBreakpoint means the engine stopped at an armed address which no
	// breakpoint in the harness accounts for.
	ErrStrayBreakpoint = errors.New("engine stopped at an address without breakpoint")
	// ErrAmbiguousAddress means several breakpoints claim the address the
	// engine stopped at. AddBreakpoint never allows this, it guards against a
	// set filled some other way.
	ErrAmbiguousAddress = errors.New("several breakpoints share the address")
)

// Sender is the interface for sending captures to the backend.
type Sender interface {
	SendCapture(c *capture.Capture)
}

// Harness drives one guest program. It owns the VM and the breakpoints armed
// in it; all access to both goes through the harness lock, so the VM only ever
// sees one caller at a time.
type Harness struct {
	config      *Config
	vm          *emulator.VM
	breakpoints *breakpoint.Set[Command]
	hits        map[breakpoint.ID]int
	limiter     *rateLimiter
	mu          sync.Mutex

	sender     Sender
	connection *transport.Connection
	started    bool
	runID      string
}

// Info describes a breakpoint held by the harness.
type Info struct {
	ID               breakpoint.ID
	Addr             breakpoint.GuestAddr
	Symbol           string
	Enabled          bool
	DisableOnTrigger bool
	Command          string
	Hits             int
}

// Result of a single execution.
type Result struct {
	Exit emulator.Exit
	// Hits counts the breakpoint stops during the execution.
	Hits int
	// Stopped is set when a command ended the execution early.
	Stopped  bool
	Steps    int
	Coverage *emulator.Coverage
}

// New creates a harness for prog.
func New(prog *emulator.Program, options ...ConfigOption) (*Harness, error) {
	config := NewConfig(options...)

	vm, err := emulator.NewVM(prog, config.VMSettings())
	if err != nil {
		return nil, fmt.Errorf("new vm: %w", err)
	}

	return &Harness{
		config:      config,
		vm:          vm,
		breakpoints: breakpoint.NewSet[Command](),
		hits:        make(map[breakpoint.ID]int),
		limiter:     newRateLimiter(config.MaxCapturesPerSecond),
		runID:       uuid.New().String(),
	}, nil
}

// Config returns the harness configuration.
func (h *Harness) Config() *Config {
	return h.config
}

// Program returns the guest program.
func (h *Harness) Program() *emulator.Program {
	return h.vm.Program
}

// SetSender replaces the destination of captures. Start installs the backend
// connection unless a sender was set before.
func (h *Harness) SetSender(s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sender = s
}

// Start connects to the backend, if one is configured.
func (h *Harness) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started || h.config.BackendURL == "" {
		return
	}

	h.connection = transport.NewConnection(h.config.BackendURL, transport.Registration{
		Token:     h.config.Token,
		Version:   Version,
		HarnessID: h.config.HarnessID,
		Hostname:  h.config.Hostname,
		Program:   h.vm.Program.Name,
	}, h.config.Debug, h)

	go h.connection.Connect(ctx)

	if h.sender == nil {
		h.sender = h.connection
	}

	h.started = true

	if h.config.Debug {
		log.Printf(logPrefix+"Harness %s started", h.config.HarnessID)
	}
}

// Stop disconnects from the backend.
func (h *Harness) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}

	if h.connection != nil {
		if h.sender == Sender(h.connection) {
			h.sender = nil
		}
		h.connection.Disconnect()
		h.connection = nil
	}

	h.started = false

	if h.config.Debug {
		log.Println(logPrefix + "Harness stopped")
	}
}

// AddBreakpoint creates a breakpoint at addr and arms it. cmd may be nil, the
// execution then just counts the hit and continues. Only one breakpoint per
// address is accepted since the engine tracks a single registration per
// address.
func (h *Harness) AddBreakpoint(addr breakpoint.GuestAddr, cmd Command, disableOnTrigger bool) (breakpoint.ID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.breakpoints.HasAddr(addr) {
		return 0, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}

	var bp *breakpoint.Breakpoint[Command]
	if cmd == nil {
		bp = breakpoint.New[Command](addr, disableOnTrigger)
	} else {
		bp = breakpoint.NewWithCommand(addr, cmd, disableOnTrigger)
	}

	if err := bp.Enable(h.vm); err != nil {
		return 0, err
	}
	h.breakpoints.Insert(bp)

	if h.config.Debug {
		log.Printf(logPrefix+"Breakpoint set: %s at %s (%s)", bp.ID(), addr, h.vm.Program.Symbolize(addr))
	}

	return bp.ID(), nil
}

func (h *Harness) lookup(id breakpoint.ID) (*breakpoint.Breakpoint[Command], error) {
	bp, found := h.breakpoints.ByID(id)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBreakpoint, id)
	}
	return bp, nil
}

// EnableBreakpoint arms a breakpoint which was disabled.
func (h *Harness) EnableBreakpoint(id breakpoint.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	bp, err := h.lookup(id)
	if err != nil {
		return err
	}
	return bp.Enable(h.vm)
}

// DisableBreakpoint disarms a breakpoint but keeps it in the harness.
func (h *Harness) DisableBreakpoint(id breakpoint.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	bp, err := h.lookup(id)
	if err != nil {
		return err
	}
	return bp.Disable(h.vm)
}

// RemoveBreakpoint disarms a breakpoint and forgets it.
func (h *Harness) RemoveBreakpoint(id breakpoint.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	bp, err := h.lookup(id)
	if err != nil {
		return err
	}
	if err := bp.Disable(h.vm); err != nil {
		return err
	}

	h.breakpoints.Remove(id)
	delete(h.hits, id)

	if h.config.Debug {
		log.Printf(logPrefix+"Breakpoint removed: %s", id)
	}

	return nil
}

// Breakpoints lists the breakpoints ordered by address.
func (h *Harness) Breakpoints() []Info {
	h.mu.Lock()
	defer h.mu.Unlock()

	all := h.breakpoints.All()
	infos := make([]Info, 0, len(all))
	for _, bp := range all {
		info := Info{
			ID:               bp.ID(),
			Addr:             bp.Addr(),
			Symbol:           h.vm.Program.Symbolize(bp.Addr()),
			Enabled:          bp.Enabled(),
			DisableOnTrigger: bp.DisableOnTrigger(),
			Hits:             h.hits[bp.ID()],
		}
		if cmd, ok := bp.Command(); ok {
			info.Command = describe(cmd)
		}
		infos = append(infos, info)
	}

	return infos
}

// Execute runs the guest on input until it exits, fails or a command stops it.
// Breakpoint commands run on the calling goroutine with the harness locked;
// they must use the Hit they are given rather than harness methods.
//
// The returned result is never nil, on failure it describes the execution up
// to the failure.
func (h *Harness) Execute(ctx context.Context, input []byte) (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.execute(ctx, input)
}

func (h *Harness) execute(ctx context.Context, input []byte) (*Result, error) {
	h.vm.Reset(input)

	res := &Result{}
	defer func() {
		res.Steps = h.vm.Steps()
		res.Coverage = h.vm.Coverage.Clone()
	}()

	for {
		exit, err := h.vm.RunContext(ctx)
		if err != nil {
			return res, err
		}
		res.Exit = exit

		if exit.Kind != emulator.ExitBreakpoint {
			return res, nil
		}

		res.Hits++
		verdict, err := h.dispatch(ctx, exit.Addr)
		if err != nil {
			return res, err
		}
		if verdict == Stop {
			res.Stopped = true
			return res, nil
		}
	}
}

// dispatch handles the engine stopping at addr.
func (h *Harness) dispatch(ctx context.Context, addr breakpoint.GuestAddr) (Verdict, error) {
	matches := h.breakpoints.ByAddr(addr)
	switch len(matches) {
	case 0:
		return Continue, fmt.Errorf("%w: %s", ErrStrayBreakpoint, addr)
	case 1:
	default:
		return Continue, fmt.Errorf("%w: %s", ErrAmbiguousAddress, addr)
	}

	bp := matches[0]
	cmd, ok, err := bp.Trigger(h.vm)
	if err != nil {
		return Continue, err
	}

	h.hits[bp.ID()]++
	count := h.hits[bp.ID()]

	if h.config.Debug {
		log.Printf(logPrefix+"Breakpoint hit: %s at %s (hit %d)", bp.ID(), addr, count)
	}

	if !ok {
		return Continue, nil
	}

	hit := &Hit{
		Breakpoint: bp,
		VM:         h.vm,
		Count:      count,
		harness:    h,
	}

	verdict, err := cmd.Run(ctx, hit)
	if err != nil {
		return verdict, fmt.Errorf("breakpoint %s command: %w", bp.ID(), err)
	}

	return verdict, nil
}

// send forwards c to the configured sender, if any.
func (h *Harness) send(c *capture.Capture) {
	c.HarnessID = h.config.HarnessID
	c.RunID = h.runID

	if h.sender != nil {
		h.sender.SendCapture(c)
	}
}
