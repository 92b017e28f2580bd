// breakharness runs guest assembly programs under breakpoints and fuzzes them.
//
// Usage:
//
//	breakharness disasm prog.s
//	breakharness run prog.s --input FZ! --break main+0x10=capture --lua loop=trace.lua
//	BREAKHARNESS_BACKEND_URL=ws://localhost:19999/ws BREAKHARNESS_TOKEN=test breakharness fuzz prog.s --seed-input FZ
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aivorynet/breakharness/pkg/breakpoint"
	"github.com/aivorynet/breakharness/pkg/emulator"
	"github.com/aivorynet/breakharness/pkg/harness"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:     "breakharness",
		Short:   "Run and fuzz guest programs under breakpoints",
		Version: harness.Version,
	}

	f := c.PersistentFlags()
	f.StringArrayVarP(&flagBreak, "break", "b", nil, "Set a breakpoint, 'addr' or 'addr=action' where action is "+
		"capture or stop. addr is a label, label+offset or number")
	f.StringArrayVar(&flagLua, "lua", nil, "Attach a Lua script to a breakpoint, 'addr=file.lua'")
	f.BoolVar(&flagOnce, "once", false, "Disable breakpoints after their first hit")
	f.StringVar(&flagBackend, "backend", "", "Backend websocket URL, overrides BREAKHARNESS_BACKEND_URL")
	f.BoolVarP(&flagDebug, "debug", "v", false, "Enable debug logging")
	f.IntVar(&flagMaxSteps, "max-steps", 0, "Maximum number of guest instructions per execution")

	c.AddCommand(
		disasmCmd(),
		runCmd(),
		fuzzCmd(),
	)

	return c
}

var (
	flagBreak    []string
	flagLua      []string
	flagOnce     bool
	flagBackend  string
	flagDebug    bool
	flagMaxSteps int

	flagInput    string
	flagInputHex string

	flagIterations int
	flagSeed       int64
	flagSeedInputs []string
)

func disasmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disasm {program.s}",
		Short: "Print the program with resolved addresses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			prog, err := loadProgram(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("; %s, entry %s\n", prog.Name, prog.Entry)
			fmt.Print(prog.Disassemble())
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run {program.s}",
		Short: "Execute the program once on the given input",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}

	f := c.Flags()
	f.StringVarP(&flagInput, "input", "i", "", "Guest input")
	f.StringVar(&flagInputHex, "input-hex", "", "Guest input, hex encoded. Takes precedence over --input")

	return c
}

func fuzzCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "fuzz {program.s}",
		Short: "Fuzz the program, reporting unique crashes",
		Args:  cobra.ExactArgs(1),
		RunE:  fuzz,
	}

	f := c.Flags()
	f.IntVarP(&flagIterations, "iterations", "n", 0, "Number of executions, overrides BREAKHARNESS_ITERATIONS")
	f.Int64Var(&flagSeed, "seed", 0, "Random seed, overrides BREAKHARNESS_SEED")
	f.StringArrayVar(&flagSeedInputs, "seed-input", nil, "Initial corpus entry, may be repeated")

	return c
}

func run(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	input := []byte(flagInput)
	if flagInputHex != "" {
		var err error
		input, err = hex.DecodeString(flagInputHex)
		if err != nil {
			return fmt.Errorf("invalid --input-hex: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	h, err := newHarness(ctx, cmd, args[0])
	if err != nil {
		return err
	}
	defer h.Stop()

	res, err := h.Execute(ctx, input)

	fmt.Printf("steps: %d, breakpoint hits: %d, edges: %d\n", res.Steps, res.Hits, res.Coverage.Len())
	printBreakpoints(h)

	var vmErr *emulator.VMError
	if errors.As(err, &vmErr) {
		fmt.Print(vmErr.VMSnapshot)
	}
	if err != nil {
		return err
	}

	switch {
	case res.Stopped:
		fmt.Printf("stopped at %s (%s)\n", res.Exit.Addr, h.Program().Symbolize(res.Exit.Addr))
	default:
		fmt.Printf("exit code %d\n", res.Exit.Code)
	}

	return nil
}

func fuzz(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	h, err := newHarness(ctx, cmd, args[0])
	if err != nil {
		return err
	}
	defer h.Stop()

	seeds := make([][]byte, 0, len(flagSeedInputs))
	for _, s := range flagSeedInputs {
		seeds = append(seeds, []byte(s))
	}

	report, err := h.Fuzz(ctx, seeds)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	fmt.Printf("run %s: %d executions, %d edges, corpus %d, breakpoint hits %d\n",
		report.RunID, report.Executions, report.Edges, len(report.Corpus), report.Hits)
	printBreakpoints(h)

	for _, crash := range report.Crashes {
		fmt.Printf("crash %s at %s (%s): %s, %d input(s), first %s\n",
			crash.Capture.Fingerprint, crash.Capture.Address, crash.Capture.Symbol,
			crash.Capture.ErrorType, crash.Count, hex.EncodeToString(crash.Input))
	}

	return nil
}

func loadProgram(path string) (*emulator.Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return emulator.AssemblyToProgram(path, f)
}

// newHarness loads the program, applies the flags and sets the breakpoints.
func newHarness(ctx context.Context, cmd *cobra.Command, path string) (*harness.Harness, error) {
	prog, err := loadProgram(path)
	if err != nil {
		return nil, err
	}

	var options []harness.ConfigOption
	flags := cmd.Flags()
	if flags.Changed("backend") {
		options = append(options, harness.WithBackendURL(flagBackend))
	}
	if flags.Changed("debug") {
		options = append(options, harness.WithDebug(flagDebug))
	}
	if flags.Changed("max-steps") {
		options = append(options, harness.WithMaxSteps(flagMaxSteps))
	}
	if flags.Changed("iterations") {
		options = append(options, harness.WithIterations(flagIterations))
	}
	if flags.Changed("seed") {
		options = append(options, harness.WithSeed(flagSeed))
	}

	h, err := harness.New(prog, options...)
	if err != nil {
		return nil, err
	}

	for _, arg := range flagBreak {
		where, action, _ := strings.Cut(arg, "=")
		c, err := harness.ParseCommand(action, arg, "")
		if err != nil {
			return nil, fmt.Errorf("--break %s: %w", arg, err)
		}
		if err := addBreakpoint(h, where, c); err != nil {
			return nil, fmt.Errorf("--break %s: %w", arg, err)
		}
	}

	for _, arg := range flagLua {
		where, file, found := strings.Cut(arg, "=")
		if !found {
			return nil, fmt.Errorf("--lua %s: expected addr=file.lua", arg)
		}
		script, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("--lua %s: %w", arg, err)
		}
		c, err := harness.NewLuaCommand(file, string(script))
		if err != nil {
			return nil, err
		}
		if err := addBreakpoint(h, where, c); err != nil {
			return nil, fmt.Errorf("--lua %s: %w", arg, err)
		}
	}

	h.Start(ctx)

	return h, nil
}

func addBreakpoint(h *harness.Harness, where string, c harness.Command) error {
	addr, err := resolve(h.Program(), where)
	if err != nil {
		return err
	}

	_, err = h.AddBreakpoint(addr, c, flagOnce)
	return err
}

// resolve accepts "label", "label+offset" and plain numbers. The offset must
// be a number.
func resolve(prog *emulator.Program, where string) (breakpoint.GuestAddr, error) {
	label, offset, found := strings.Cut(where, "+")
	if !found {
		return prog.Resolve(where)
	}

	base, err := prog.Resolve(label)
	if err != nil {
		return 0, err
	}
	off, err := strconv.ParseUint(offset, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid offset '%s' in '%s'", offset, where)
	}

	return base + breakpoint.GuestAddr(off), nil
}

func printBreakpoints(h *harness.Harness) {
	for _, info := range h.Breakpoints() {
		state := "enabled"
		if !info.Enabled {
			state = "disabled"
		}

		command := info.Command
		if command == "" {
			command = "-"
		}

		fmt.Printf("  %s %s (%s) %s, command %s, %d hit(s)\n",
			info.ID, info.Addr, info.Symbol, state, command, info.Hits)
	}
}
