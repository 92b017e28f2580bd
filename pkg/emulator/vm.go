package emulator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aivorynet/breakharness/pkg/breakpoint"
)

var (
	// ErrUnmappedAddress is returned when a breakpoint is requested at an address
	// which holds no instruction.
	ErrUnmappedAddress = errors.New("address is not mapped to an instruction")
	ErrAbort           = errors.New("guest aborted")
	ErrStepLimit       = errors.New("step limit exceeded")
	ErrBadPC           = errors.New("program counter points to non-existent instruction, bad jump or missing " +
		"exit instruction")
	ErrCallDepth = errors.New("call stack depth exceeded")
	ErrBadReturn = errors.New("return with empty call stack")
)

var _ breakpoint.Engine = (*VM)(nil)

// Registers of the guest machine.
type Registers struct {
	// Program counter, address of the next instruction to execute.
	PC breakpoint.GuestAddr
	R  [NumRegisters]int64
}

type ExitKind int

const (
	// ExitNormal means the guest executed an exit instruction.
	ExitNormal ExitKind = iota
	// ExitBreakpoint means the guest reached an armed address. The instruction
	// at Addr has not been executed yet.
	ExitBreakpoint
)

func (k ExitKind) String() string {
	switch k {
	case ExitNormal:
		return "exit"
	case ExitBreakpoint:
		return "breakpoint"
	}
	return fmt.Sprintf("exit(%d)", int(k))
}

// Exit is the reason the VM returned control to its caller.
type Exit struct {
	Kind ExitKind
	Addr breakpoint.GuestAddr
	// Code is r0 at the time of a normal exit.
	Code int64
}

// VM runs a single guest program. It is not safe for concurrent use, a VM is
// one guest execution stream.
type VM struct {
	settings VMSettings

	Registers Registers
	CallStack []breakpoint.GuestAddr
	Input     []byte
	Program   *Program
	Coverage  *Coverage

	breakpoints map[breakpoint.GuestAddr]struct{}

	steps int
	// resume is set after stopping at a breakpoint so the next step executes
	// the instruction instead of stopping again.
	resume bool
}

func NewVM(prog *Program, settings VMSettings) (*VM, error) {
	if prog == nil || len(prog.Instructions) == 0 {
		return nil, errors.New("program is empty")
	}
	if _, ok := prog.IndexOf(prog.Entry); !ok {
		return nil, fmt.Errorf("entry %s: %w", prog.Entry, ErrUnmappedAddress)
	}

	vm := &VM{
		settings:    settings,
		Program:     prog,
		Coverage:    NewCoverage(),
		breakpoints: make(map[breakpoint.GuestAddr]struct{}),
	}

	vm.Reset(nil)

	return vm, nil
}

// Settings returns the settings the VM was created with.
func (vm *VM) Settings() VMSettings {
	return vm.settings
}

// SetBreakpoint arms addr. Arming an armed address does nothing.
func (vm *VM) SetBreakpoint(addr breakpoint.GuestAddr) error {
	if _, ok := vm.Program.IndexOf(addr); !ok {
		return fmt.Errorf("set breakpoint at %s: %w", addr, ErrUnmappedAddress)
	}

	vm.breakpoints[addr] = struct{}{}

	return nil
}

// RemoveBreakpoint disarms addr. Disarming an address which is not armed does
// nothing.
func (vm *VM) RemoveBreakpoint(addr breakpoint.GuestAddr) error {
	if _, ok := vm.Program.IndexOf(addr); !ok {
		return fmt.Errorf("remove breakpoint at %s: %w", addr, ErrUnmappedAddress)
	}

	delete(vm.breakpoints, addr)

	return nil
}

// HasBreakpoint reports whether addr is armed.
func (vm *VM) HasBreakpoint(addr breakpoint.GuestAddr) bool {
	_, ok := vm.breakpoints[addr]
	return ok
}

// Breakpoints returns the armed addresses in ascending order.
func (vm *VM) Breakpoints() []breakpoint.GuestAddr {
	addrs := make([]breakpoint.GuestAddr, 0, len(vm.breakpoints))
	for addr := range vm.breakpoints {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Steps returns the number of instructions executed since the last reset.
func (vm *VM) Steps() int {
	return vm.steps
}

func (vm *VM) Run() (Exit, error) {
	return vm.RunContext(context.Background())
}

// RunContext runs until the guest exits, reaches an armed breakpoint or fails.
// After a breakpoint exit, calling RunContext again resumes at the breakpoint.
func (vm *VM) RunContext(ctx context.Context) (Exit, error) {
	for {
		exit, err := vm.Step()
		if err != nil {
			return Exit{}, err
		}
		if exit != nil {
			return *exit, nil
		}

		// If context was canceled or deadline exceeded, stop execution
		if err = ctx.Err(); err != nil {
			return Exit{}, vm.err(err)
		}
	}
}

// Step executes a single instruction. A non-nil exit means the guest stopped.
func (vm *VM) Step() (exit *Exit, err error) {
	pc := vm.Registers.PC
	idx, ok := vm.Program.IndexOf(pc)
	if !ok {
		return nil, vm.err(ErrBadPC)
	}

	if _, armed := vm.breakpoints[pc]; armed && !vm.resume {
		vm.resume = true
		return &Exit{Kind: ExitBreakpoint, Addr: pc}, nil
	}
	vm.resume = false

	if vm.settings.MaxSteps > 0 && vm.steps >= vm.settings.MaxSteps {
		return nil, vm.err(ErrStepLimit)
	}
	vm.steps++

	inst := vm.Program.Instructions[idx]
	next := pc + InstructionSize
	r := &vm.Registers.R

	switch inst.Op {
	case OpNop:
	case OpMov:
		r[inst.Dst] = vm.operand(inst.Src)
	case OpAdd:
		r[inst.Dst] += vm.operand(inst.Src)
	case OpSub:
		r[inst.Dst] -= vm.operand(inst.Src)
	case OpMul:
		r[inst.Dst] *= vm.operand(inst.Src)
	case OpAnd:
		r[inst.Dst] &= vm.operand(inst.Src)
	case OpOr:
		r[inst.Dst] |= vm.operand(inst.Src)
	case OpXor:
		r[inst.Dst] ^= vm.operand(inst.Src)
	case OpLdb:
		i := r[inst.Src.Reg]
		if i < 0 || i >= int64(len(vm.Input)) {
			r[inst.Dst] = -1
		} else {
			r[inst.Dst] = int64(vm.Input[i])
		}
	case OpLen:
		r[inst.Dst] = int64(len(vm.Input))
	case OpJmp:
		next = inst.Target
	case OpJeq, OpJne, OpJlt, OpJgt:
		if compare(inst.Op, r[inst.Dst], vm.operand(inst.Src)) {
			next = inst.Target
		}
	case OpCall:
		if len(vm.CallStack) >= vm.settings.MaxCallDepth {
			return nil, vm.err(ErrCallDepth)
		}
		vm.CallStack = append(vm.CallStack, next)
		next = inst.Target
	case OpRet:
		if len(vm.CallStack) == 0 {
			return nil, vm.err(ErrBadReturn)
		}
		next = vm.CallStack[len(vm.CallStack)-1]
		vm.CallStack = vm.CallStack[:len(vm.CallStack)-1]
	case OpExit:
		vm.Coverage.Hit(pc, pc)
		return &Exit{Kind: ExitNormal, Addr: pc, Code: r[0]}, nil
	case OpAbort:
		vm.Coverage.Hit(pc, pc)
		return nil, vm.err(ErrAbort)
	default:
		return nil, vm.err(fmt.Errorf("unknown opcode %s", inst.Op))
	}

	vm.Coverage.Hit(pc, next)
	vm.Registers.PC = next

	return nil, nil
}

func (vm *VM) operand(o Operand) int64 {
	if o.IsImm {
		return o.Imm
	}
	return vm.Registers.R[o.Reg]
}

func compare(op Opcode, a, b int64) bool {
	switch op {
	case OpJeq:
		return a == b
	case OpJne:
		return a != b
	case OpJlt:
		return a < b
	case OpJgt:
		return a > b
	}
	return false
}

func (vm *VM) err(err error) *VMError {
	return &VMError{
		VMSnapshot: vm.Clone(),
		Original:   err,
	}
}

// Clone clones the whole VM, this includes the current state of the VM. This feature can be used to create snapshots
// of the VM. The program is shared, it is never modified.
func (vm *VM) Clone() *VM {
	clone := &VM{
		settings:    vm.settings,
		Registers:   vm.Registers,
		CallStack:   append([]breakpoint.GuestAddr(nil), vm.CallStack...),
		Input:       append([]byte(nil), vm.Input...),
		Program:     vm.Program,
		Coverage:    vm.Coverage.Clone(),
		breakpoints: make(map[breakpoint.GuestAddr]struct{}, len(vm.breakpoints)),
		steps:       vm.steps,
		resume:      vm.resume,
	}

	for addr := range vm.breakpoints {
		clone.breakpoints[addr] = struct{}{}
	}

	return clone
}

// Reset makes the VM ready to run the program from its entry point with a new
// input. Armed breakpoints are kept.
func (vm *VM) Reset(input []byte) {
	vm.Registers = Registers{PC: vm.Program.Entry}
	vm.CallStack = vm.CallStack[:0]
	vm.Input = input
	vm.Coverage.Reset()
	vm.steps = 0
	vm.resume = false
}

func (vm *VM) String() string {
	var sb strings.Builder
	sb.WriteString("Registers:\n")

	r := vm.Registers
	sb.WriteString(fmt.Sprintf(" pc: %s (%s)", r.PC, vm.Program.Symbolize(r.PC)))
	if idx, ok := vm.Program.IndexOf(r.PC); ok {
		sb.WriteString(" -> " + vm.Program.Instructions[idx].String())
	}
	sb.WriteString("\n")
	for i, v := range r.R {
		sb.WriteString(fmt.Sprintf(" r%d: 0x%016x (s%d / u%d)\n", i, uint64(v), v, uint64(v)))
	}

	if len(vm.CallStack) > 0 {
		sb.WriteString("Call stack:\n")
		for i := len(vm.CallStack) - 1; i >= 0; i-- {
			ret := vm.CallStack[i]
			sb.WriteString(fmt.Sprintf(" %s (%s)\n", ret, vm.Program.Symbolize(ret)))
		}
	}

	return sb.String()
}

// A VMError is thrown by the VM and contain a copy of the state of the VM at the time of the error
type VMError struct {
	VMSnapshot *VM
	Original   error
}

func (e *VMError) Error() string {
	return fmt.Sprintf("vm error at %s: %s", e.VMSnapshot.Registers.PC, e.Original)
}

func (e *VMError) Unwrap() error {
	return e.Original
}

type VMSettings struct {
	// MaxSteps bounds the number of instructions per run, 0 means unlimited.
	MaxSteps int
	// MaxCallDepth is the maximum number of nested calls
	MaxCallDepth int
}

// DefaultVMSettings returns settings suitable for fuzzing small programs.
func DefaultVMSettings() VMSettings {
	return VMSettings{
		MaxSteps:     100000,
		MaxCallDepth: 64,
	}
}
