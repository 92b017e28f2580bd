package emulator

import (
	"fmt"
	"io"
	"strconv"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/alecthomas/participle/v2/lexer/stateful"

	"github.com/aivorynet/breakharness/pkg/breakpoint"
)

var (
	asmLexer = stateful.MustSimple([]stateful.Rule{
		{Name: "Comment", Pattern: `[;#][^\n]*`, Action: nil},
		{Name: "Register", Pattern: `r[0-9]+\b`, Action: nil},
		{Name: "Number", Pattern: `-?(0x[0-9a-fA-F]+|\d+)`, Action: nil},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`, Action: nil},
		{Name: "LabelEnd", Pattern: `:`, Action: nil},
		{Name: "Punct", Pattern: `[.,]`, Action: nil},
		{Name: "Whitespace", Pattern: `[ \t\r]+`, Action: nil},
		{Name: "Newline", Pattern: `\n`, Action: nil},
	})
	asmParser = participle.MustBuild(&asmFile{},
		participle.Lexer(asmLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.UseLookahead(2),
	)
)

// AssemblyToProgram parses guest assembly. The filename is only used in error
// messages.
//
//	.org 0x4000        ; load address, before the first instruction
//	.entry main        ; optional, defaults to the first instruction
//	main:
//	  len r1
//	  jeq r1, 0, done
//	  ldb r2, r0
//	  call check
//	done:
//	  exit
func AssemblyToProgram(filename string, reader io.Reader) (*Program, error) {
	ast := &asmFile{}
	err := asmParser.Parse(filename, reader, ast)
	if err != nil {
		return nil, fmt.Errorf("error while parsing: %w", err)
	}

	prog := &Program{
		Name:   filename,
		Base:   DefaultBase,
		Labels: make(map[string]breakpoint.GuestAddr),
	}

	var entryLabel string

	// First pass, assign addresses to labels
	instCnt := 0
	for _, entry := range ast.Entries {
		switch {
		case entry.Label != "":
			if _, found := prog.Labels[entry.Label]; found {
				return nil, fmt.Errorf("duplicate label '%s' found, labels must be unique", entry.Label)
			}
			prog.Labels[entry.Label] = prog.AddrOf(instCnt)

		case entry.Directive != nil:
			dir := entry.Directive
			switch dir.Name {
			case "org":
				if instCnt > 0 || len(prog.Labels) > 0 {
					return nil, fmt.Errorf("%s: .org must come before any label or instruction", dir.Pos)
				}
				base, err := strconv.ParseUint(dir.Value, 0, 64)
				if err != nil {
					return nil, fmt.Errorf("%s: invalid .org address '%s'", dir.Pos, dir.Value)
				}
				if base%InstructionSize != 0 {
					return nil, fmt.Errorf("%s: .org address must be aligned to %d", dir.Pos, InstructionSize)
				}
				prog.Base = breakpoint.GuestAddr(base)
			case "entry":
				entryLabel = dir.Value
			default:
				return nil, fmt.Errorf("%s: unknown directive '.%s'", dir.Pos, dir.Name)
			}

		case entry.Instruction != nil:
			instCnt++
		}
	}

	prog.Instructions = make([]Instruction, 0, instCnt)
	for _, entry := range ast.Entries {
		if entry.Instruction == nil {
			continue
		}

		inst, err := entry.Instruction.toInst(prog)
		if err != nil {
			return nil, err
		}
		prog.Instructions = append(prog.Instructions, inst)
	}

	prog.Entry = prog.Base
	if entryLabel != "" {
		addr, found := prog.Labels[entryLabel]
		if !found {
			return nil, fmt.Errorf("entry label '%s' is not defined", entryLabel)
		}
		prog.Entry = addr
	}

	if len(prog.Instructions) == 0 {
		return nil, fmt.Errorf("program '%s' contains no instructions", filename)
	}

	return prog, nil
}

type asmFile struct {
	Entries []*entry `parser:"@@*"`
}

type entry struct {
	Label       string       `parser:"( @Ident LabelEnd"`
	Directive   *directive   `parser:"| @@"`
	Instruction *instruction `parser:"| @@ )? Newline*"`
}

type directive struct {
	Pos lexer.Position

	Name  string `parser:"'.' @Ident"`
	Value string `parser:"@(Ident | Number)?"`
}

type instruction struct {
	Pos lexer.Position

	Op       string     `parser:"@Ident"`
	Operands []*operand `parser:"( @@ ( ',' @@ )* )?"`
}

type operand struct {
	Register *Register `parser:"  @Register"`
	Number   *string   `parser:"| @Number"`
	Label    *string   `parser:"| @Ident"`
}

func (o *operand) String() string {
	switch {
	case o.Register != nil:
		return o.Register.String()
	case o.Number != nil:
		return *o.Number
	case o.Label != nil:
		return *o.Label
	}
	return "?"
}

var opByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opNames))
	for op, name := range opNames {
		m[name] = op
	}
	return m
}()

func (i *instruction) toInst(prog *Program) (Instruction, error) {
	op, found := opByName[i.Op]
	if !found {
		return Instruction{}, fmt.Errorf("%s: unknown instruction '%s'", i.Pos, i.Op)
	}

	inst := Instruction{Op: op}

	wantOperands := func(n int) error {
		if len(i.Operands) != n {
			return fmt.Errorf("%s: '%s' takes %d operand(s), got %d", i.Pos, i.Op, n, len(i.Operands))
		}
		return nil
	}

	switch op {
	case OpNop, OpRet, OpExit, OpAbort:
		if err := wantOperands(0); err != nil {
			return inst, err
		}

	case OpLen:
		if err := wantOperands(1); err != nil {
			return inst, err
		}
		dst, err := i.register(0)
		if err != nil {
			return inst, err
		}
		inst.Dst = dst

	case OpLdb:
		if err := wantOperands(2); err != nil {
			return inst, err
		}
		dst, err := i.register(0)
		if err != nil {
			return inst, err
		}
		src, err := i.register(1)
		if err != nil {
			return inst, err
		}
		inst.Dst = dst
		inst.Src = Operand{Reg: src}

	case OpMov, OpAdd, OpSub, OpMul, OpAnd, OpOr, OpXor:
		if err := wantOperands(2); err != nil {
			return inst, err
		}
		dst, err := i.register(0)
		if err != nil {
			return inst, err
		}
		src, err := i.value(1)
		if err != nil {
			return inst, err
		}
		inst.Dst = dst
		inst.Src = src

	case OpJmp, OpCall:
		if err := wantOperands(1); err != nil {
			return inst, err
		}
		if err := i.target(0, prog, &inst); err != nil {
			return inst, err
		}

	case OpJeq, OpJne, OpJlt, OpJgt:
		if err := wantOperands(3); err != nil {
			return inst, err
		}
		dst, err := i.register(0)
		if err != nil {
			return inst, err
		}
		src, err := i.value(1)
		if err != nil {
			return inst, err
		}
		inst.Dst = dst
		inst.Src = src
		if err := i.target(2, prog, &inst); err != nil {
			return inst, err
		}
	}

	return inst, nil
}

func (i *instruction) register(n int) (Register, error) {
	o := i.Operands[n]
	if o.Register == nil {
		return 0, fmt.Errorf("%s: operand %d of '%s' must be a register, got '%s'", i.Pos, n+1, i.Op, o)
	}
	return *o.Register, nil
}

func (i *instruction) value(n int) (Operand, error) {
	o := i.Operands[n]
	switch {
	case o.Register != nil:
		return Operand{Reg: *o.Register}, nil
	case o.Number != nil:
		v, err := strconv.ParseInt(*o.Number, 0, 64)
		if err != nil {
			return Operand{}, fmt.Errorf("%s: invalid number '%s': %w", i.Pos, *o.Number, err)
		}
		return Operand{Imm: v, IsImm: true}, nil
	}
	return Operand{}, fmt.Errorf("%s: operand %d of '%s' must be a register or number, got '%s'", i.Pos, n+1, i.Op, o)
}

func (i *instruction) target(n int, prog *Program, inst *Instruction) error {
	o := i.Operands[n]
	switch {
	case o.Label != nil:
		addr, found := prog.Labels[*o.Label]
		if !found {
			return fmt.Errorf("%s: invalid label '%s'", i.Pos, *o.Label)
		}
		inst.Target = addr
		inst.Label = *o.Label
	case o.Number != nil:
		v, err := strconv.ParseUint(*o.Number, 0, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid address '%s': %w", i.Pos, *o.Number, err)
		}
		inst.Target = breakpoint.GuestAddr(v)
	default:
		return fmt.Errorf("%s: operand %d of '%s' must be a label or address, got '%s'", i.Pos, n+1, i.Op, o)
	}
	return nil
}
