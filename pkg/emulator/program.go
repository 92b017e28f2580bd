package emulator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aivorynet/breakharness/pkg/breakpoint"
)

// InstructionSize is the number of address units every instruction occupies.
const InstructionSize = 4

// DefaultBase is the load address of programs without an .org directive.
const DefaultBase breakpoint.GuestAddr = 0x4000

// NumRegisters is the number of general purpose registers, r0 to r7.
const NumRegisters = 8

// Register is a general purpose register number.
type Register uint8

func (r Register) String() string {
	return "r" + strconv.Itoa(int(r))
}

// Capture implements participle's Capture interface.
func (r *Register) Capture(values []string) error {
	i, err := strconv.Atoi(strings.Join(values, "")[1:])
	if err != nil {
		return err
	}
	if i >= NumRegisters {
		return fmt.Errorf("register r%d does not exist, valid registers are r0-r%d", i, NumRegisters-1)
	}

	*r = Register(i)

	return nil
}

type Opcode uint8

const (
	OpNop Opcode = iota
	OpMov
	OpAdd
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor
	// OpLdb loads the input byte at the index held by Src into Dst, -1 if out of range.
	OpLdb
	// OpLen loads the input length into Dst.
	OpLen
	OpJmp
	OpJeq
	OpJne
	OpJlt
	OpJgt
	OpCall
	OpRet
	OpExit
	OpAbort
)

var opNames = map[Opcode]string{
	OpNop:   "nop",
	OpMov:   "mov",
	OpAdd:   "add",
	OpSub:   "sub",
	OpMul:   "mul",
	OpAnd:   "and",
	OpOr:    "or",
	OpXor:   "xor",
	OpLdb:   "ldb",
	OpLen:   "len",
	OpJmp:   "jmp",
	OpJeq:   "jeq",
	OpJne:   "jne",
	OpJlt:   "jlt",
	OpJgt:   "jgt",
	OpCall:  "call",
	OpRet:   "ret",
	OpExit:  "exit",
	OpAbort: "abort",
}

func (op Opcode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Operand is either a register or an immediate value.
type Operand struct {
	Reg   Register
	Imm   int64
	IsImm bool
}

func (o Operand) String() string {
	if o.IsImm {
		return strconv.FormatInt(o.Imm, 10)
	}
	return o.Reg.String()
}

// Instruction is a single decoded guest instruction.
type Instruction struct {
	Op     Opcode
	Dst    Register
	Src    Operand
	Target breakpoint.GuestAddr
	// Label is the symbolic jump or call target, only used for printing.
	Label string
}

func (i Instruction) target() string {
	if i.Label != "" {
		return i.Label
	}
	return i.Target.String()
}

func (i Instruction) String() string {
	switch i.Op {
	case OpNop, OpRet, OpExit, OpAbort:
		return i.Op.String()
	case OpLen:
		return fmt.Sprintf("%s %s", i.Op, i.Dst)
	case OpJmp, OpCall:
		return fmt.Sprintf("%s %s", i.Op, i.target())
	case OpJeq, OpJne, OpJlt, OpJgt:
		return fmt.Sprintf("%s %s, %s, %s", i.Op, i.Dst, i.Src, i.target())
	default:
		return fmt.Sprintf("%s %s, %s", i.Op, i.Dst, i.Src)
	}
}

// Program is a guest program loaded at Base. Instruction n lives at
// Base + n*InstructionSize.
type Program struct {
	Name         string
	Base         breakpoint.GuestAddr
	Entry        breakpoint.GuestAddr
	Instructions []Instruction
	Labels       map[string]breakpoint.GuestAddr
}

// AddrOf returns the address of the instruction at index.
func (p *Program) AddrOf(index int) breakpoint.GuestAddr {
	return p.Base + breakpoint.GuestAddr(index*InstructionSize)
}

// IndexOf maps an address back to an instruction index. Only aligned addresses
// inside the program are mapped.
func (p *Program) IndexOf(addr breakpoint.GuestAddr) (int, bool) {
	if addr < p.Base {
		return 0, false
	}

	off := addr - p.Base
	if off%InstructionSize != 0 {
		return 0, false
	}

	idx := int(off / InstructionSize)
	if idx >= len(p.Instructions) {
		return 0, false
	}

	return idx, true
}

// End returns the first address past the program.
func (p *Program) End() breakpoint.GuestAddr {
	return p.AddrOf(len(p.Instructions))
}

// Symbolize renders addr relative to the closest label at or below it.
func (p *Program) Symbolize(addr breakpoint.GuestAddr) string {
	best := ""
	var bestAddr breakpoint.GuestAddr
	for name, labelAddr := range p.Labels {
		if labelAddr > addr {
			continue
		}
		// Prefer the closest label, break ties by name to stay deterministic.
		if best == "" || labelAddr > bestAddr || (labelAddr == bestAddr && name < best) {
			best = name
			bestAddr = labelAddr
		}
	}

	if best == "" {
		return addr.String()
	}
	if addr == bestAddr {
		return best
	}
	return fmt.Sprintf("%s+0x%x", best, uint64(addr-bestAddr))
}

// Resolve returns the address of a label or a numeric address.
func (p *Program) Resolve(s string) (breakpoint.GuestAddr, error) {
	if addr, ok := p.Labels[s]; ok {
		return addr, nil
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("'%s' is neither a label nor an address", s)
	}

	return breakpoint.GuestAddr(v), nil
}

// Disassemble returns one line per instruction, prefixed with its address.
func (p *Program) Disassemble() string {
	byAddr := make(map[breakpoint.GuestAddr][]string)
	for name, addr := range p.Labels {
		byAddr[addr] = append(byAddr[addr], name)
	}

	var sb strings.Builder
	for i, inst := range p.Instructions {
		addr := p.AddrOf(i)
		names := byAddr[addr]
		sort.Strings(names)
		for _, name := range names {
			sb.WriteString(name)
			sb.WriteString(":\n")
		}
		sb.WriteString(fmt.Sprintf("  %s: %s\n", addr, inst))
	}

	return sb.String()
}
