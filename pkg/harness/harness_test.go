package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/aivorynet/breakharness/pkg/breakpoint"
	"github.com/aivorynet/breakharness/pkg/capture"
	"github.com/aivorynet/breakharness/pkg/emulator"
)

// Crashes when the input starts with "FZ" and has at least three bytes.
//
//	0x4010 jne r2, 0x46, done
//	0x4024 done
//	0x402c crash
const magicSource = `
.org 0x4000
.entry main
main:
  len r1
  jlt r1, 3, done
  mov r0, 0
  ldb r2, r0
  jne r2, 0x46, done
  mov r0, 1
  ldb r2, r0
  jne r2, 0x5a, done
  call crash
done:
  mov r0, 0
  exit
crash:
  abort
`

// Counts r1 up to 5, passing "loop" (0x4004) five times.
const loopSource = `
.entry main
main:
  mov r1, 0
loop:
  add r1, 1
  jlt r1, 5, loop
  mov r0, r1
  exit
`

const loopAddr = breakpoint.GuestAddr(0x4004)

type recordingSender struct {
	mu       sync.Mutex
	captures []*capture.Capture
}

func (s *recordingSender) SendCapture(c *capture.Capture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, c)
}

func (s *recordingSender) all() []*capture.Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*capture.Capture(nil), s.captures...)
}

func newHarness(t *testing.T, source string, options ...ConfigOption) *Harness {
	t.Helper()

	prog, err := emulator.AssemblyToProgram("test.s", strings.NewReader(source))
	if err != nil {
		t.Fatal(err)
	}

	defaults := []ConfigOption{
		WithBackendURL(""),
		WithDebug(false),
		WithSeed(1),
		WithMaxCapturesPerSecond(0),
	}
	h, err := New(prog, append(defaults, options...)...)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func findInfo(t *testing.T, h *Harness, id breakpoint.ID) Info {
	t.Helper()

	for _, info := range h.Breakpoints() {
		if info.ID == id {
			return info
		}
	}
	t.Fatalf("breakpoint %s not listed", id)
	return Info{}
}

func TestExecuteCountsHits(t *testing.T) {
	h := newHarness(t, magicSource)

	id, err := h.AddBreakpoint(0x4010, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		res, err := h.Execute(context.Background(), []byte("abc"))
		if err != nil {
			t.Fatal(err)
		}
		if res.Hits != 1 || res.Stopped || res.Exit.Kind != emulator.ExitNormal {
			t.Fatalf("unexpected result %+v", res)
		}
	}

	info := findInfo(t, h, id)
	if info.Hits != 2 || !info.Enabled || info.Symbol != "main+0x10" || info.Command != "" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestExecuteSkipsShortInput(t *testing.T) {
	h := newHarness(t, magicSource)

	if _, err := h.AddBreakpoint(0x4010, nil, false); err != nil {
		t.Fatal(err)
	}

	res, err := h.Execute(context.Background(), []byte("ab"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Hits != 0 {
		t.Fatalf("expected no hit, got %d", res.Hits)
	}
}

func TestAddBreakpointAddressInUse(t *testing.T) {
	h := newHarness(t, magicSource)

	if _, err := h.AddBreakpoint(0x4010, nil, false); err != nil {
		t.Fatal(err)
	}

	_, err := h.AddBreakpoint(0x4010, StopCommand{}, true)
	if !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
	if n := len(h.Breakpoints()); n != 1 {
		t.Fatalf("expected 1 breakpoint, got %d", n)
	}
}

func TestAddBreakpointEngineError(t *testing.T) {
	h := newHarness(t, magicSource)

	_, err := h.AddBreakpoint(0x4011, nil, false)
	if !errors.Is(err, emulator.ErrUnmappedAddress) {
		t.Fatalf("expected ErrUnmappedAddress, got %v", err)
	}
	if n := len(h.Breakpoints()); n != 0 {
		t.Fatalf("failed breakpoint was kept: %d", n)
	}

	// The address is still free.
	if _, err := h.AddBreakpoint(0x4010, nil, false); err != nil {
		t.Fatal(err)
	}
}

func TestDisableOnTriggerStaysDisarmed(t *testing.T) {
	h := newHarness(t, loopSource)

	var runs int
	id, err := h.AddBreakpoint(loopAddr, CommandFunc(func(ctx context.Context, hit *Hit) (Verdict, error) {
		runs++
		if hit.Breakpoint.Enabled() {
			t.Error("breakpoint still enabled inside its command")
		}
		return Continue, nil
	}), true)
	if err != nil {
		t.Fatal(err)
	}

	res, err := h.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Hits != 1 || runs != 1 || res.Exit.Code != 5 {
		t.Fatalf("unexpected result %+v after %d runs", res, runs)
	}

	if findInfo(t, h, id).Enabled {
		t.Fatal("breakpoint should be disabled")
	}
	if h.vm.HasBreakpoint(loopAddr) {
		t.Fatal("engine still armed")
	}

	res, err = h.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Hits != 0 {
		t.Fatalf("disabled breakpoint hit %d times", res.Hits)
	}
}

func TestDisableOnTriggerRearm(t *testing.T) {
	h := newHarness(t, loopSource)

	id, err := h.AddBreakpoint(loopAddr, CommandFunc(func(ctx context.Context, hit *Hit) (Verdict, error) {
		return Continue, hit.Rearm()
	}), true)
	if err != nil {
		t.Fatal(err)
	}

	res, err := h.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Hits != 5 {
		t.Fatalf("expected 5 hits, got %d", res.Hits)
	}

	info := findInfo(t, h, id)
	if !info.Enabled || info.Hits != 5 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestStopCommand(t *testing.T) {
	h := newHarness(t, loopSource)

	if _, err := h.AddBreakpoint(loopAddr, StopCommand{}, false); err != nil {
		t.Fatal(err)
	}

	res, err := h.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stopped || res.Exit.Kind != emulator.ExitBreakpoint || res.Exit.Addr != loopAddr {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestChain(t *testing.T) {
	h := newHarness(t, loopSource)

	var seen []int
	record := CommandFunc(func(ctx context.Context, hit *Hit) (Verdict, error) {
		seen = append(seen, hit.Count)
		return Continue, nil
	})
	stopAtThree := CommandFunc(func(ctx context.Context, hit *Hit) (Verdict, error) {
		if hit.Count == 3 {
			return Stop, nil
		}
		return Continue, nil
	})

	if _, err := h.AddBreakpoint(loopAddr, Chain{record, stopAtThree, record}, false); err != nil {
		t.Fatal(err)
	}

	res, err := h.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stopped || res.Hits != 3 {
		t.Fatalf("unexpected result %+v", res)
	}

	want := []int{1, 1, 2, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestCommandError(t *testing.T) {
	h := newHarness(t, loopSource)

	errBoom := errors.New("boom")
	if _, err := h.AddBreakpoint(loopAddr, CommandFunc(func(context.Context, *Hit) (Verdict, error) {
		return Continue, errBoom
	}), false); err != nil {
		t.Fatal(err)
	}

	_, err := h.Execute(context.Background(), nil)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected command error, got %v", err)
	}
}

func TestStrayBreakpoint(t *testing.T) {
	h := newHarness(t, loopSource)

	if err := h.vm.SetBreakpoint(loopAddr); err != nil {
		t.Fatal(err)
	}

	_, err := h.Execute(context.Background(), nil)
	if !errors.Is(err, ErrStrayBreakpoint) {
		t.Fatalf("expected ErrStrayBreakpoint, got %v", err)
	}
}

func TestEnableDisableRemove(t *testing.T) {
	h := newHarness(t, loopSource)

	id, err := h.AddBreakpoint(loopAddr, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.DisableBreakpoint(id); err != nil {
		t.Fatal(err)
	}
	if res, _ := h.Execute(context.Background(), nil); res.Hits != 0 {
		t.Fatalf("disabled breakpoint hit %d times", res.Hits)
	}

	if err := h.EnableBreakpoint(id); err != nil {
		t.Fatal(err)
	}
	if res, _ := h.Execute(context.Background(), nil); res.Hits != 5 {
		t.Fatalf("expected 5 hits, got %d", res.Hits)
	}

	if err := h.RemoveBreakpoint(id); err != nil {
		t.Fatal(err)
	}
	if h.vm.HasBreakpoint(loopAddr) {
		t.Fatal("removed breakpoint still armed")
	}
	if len(h.Breakpoints()) != 0 {
		t.Fatal("removed breakpoint still listed")
	}

	for _, op := range []func(breakpoint.ID) error{h.EnableBreakpoint, h.DisableBreakpoint, h.RemoveBreakpoint} {
		if err := op(id); !errors.Is(err, ErrUnknownBreakpoint) {
			t.Fatalf("expected ErrUnknownBreakpoint, got %v", err)
		}
	}
}

func TestCaptureCommand(t *testing.T) {
	h := newHarness(t, loopSource)
	sender := &recordingSender{}
	h.SetSender(sender)

	id, err := h.AddBreakpoint(loopAddr, &CaptureCommand{Context: map[string]interface{}{"note": "loop"}}, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Execute(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	captures := sender.all()
	if len(captures) != 5 {
		t.Fatalf("expected 5 captures, got %d", len(captures))
	}

	last := captures[4]
	if last.Kind != capture.KindBreakpoint || last.BreakpointID == nil || *last.BreakpointID != uint64(id) {
		t.Fatalf("unexpected capture %+v", last)
	}
	if last.HitCount != 5 || last.Address != "0x4004" || last.Symbol != "loop" {
		t.Fatalf("unexpected capture %+v", last)
	}
	if last.HarnessID != h.Config().HarnessID || last.RunID == "" {
		t.Fatalf("capture not attributed: %q %q", last.HarnessID, last.RunID)
	}
	if last.Context["note"] != "loop" {
		t.Fatalf("context lost: %v", last.Context)
	}
}

func TestCaptureRateLimit(t *testing.T) {
	h := newHarness(t, loopSource, WithMaxCapturesPerSecond(2))
	sender := &recordingSender{}
	h.SetSender(sender)

	if _, err := h.AddBreakpoint(loopAddr, &CaptureCommand{}, false); err != nil {
		t.Fatal(err)
	}

	res, err := h.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Hits != 5 {
		t.Fatalf("rate limit must not skip hits, got %d", res.Hits)
	}
	if n := len(sender.all()); n != 2 {
		t.Fatalf("expected 2 captures, got %d", n)
	}
}

func TestExecuteCrash(t *testing.T) {
	h := newHarness(t, magicSource)

	res, err := h.Execute(context.Background(), []byte("FZ!"))
	var vmErr *emulator.VMError
	if !errors.As(err, &vmErr) || !errors.Is(err, emulator.ErrAbort) {
		t.Fatalf("expected abort, got %v", err)
	}
	if res == nil || res.Coverage.Len() == 0 {
		t.Fatal("result of a crashed execution should carry coverage")
	}
}

func TestHandleCommand(t *testing.T) {
	h := newHarness(t, magicSource)

	h.HandleCommand("set", json.RawMessage(`{"address":"done","action":"stop"}`))

	infos := h.Breakpoints()
	if len(infos) != 1 {
		t.Fatalf("expected 1 breakpoint, got %d", len(infos))
	}
	info := infos[0]
	if info.Addr != 0x4024 || info.Command != "stop" || !info.Enabled {
		t.Fatalf("unexpected info %+v", info)
	}

	payload := json.RawMessage(fmt.Sprintf(`{"id":%d}`, info.ID))

	h.HandleCommand("disable", payload)
	if findInfo(t, h, info.ID).Enabled {
		t.Fatal("disable ignored")
	}

	h.HandleCommand("enable", payload)
	if !findInfo(t, h, info.ID).Enabled {
		t.Fatal("enable ignored")
	}

	// Rejected, the address is taken.
	h.HandleCommand("set", json.RawMessage(`{"address":"0x4024"}`))
	// Rejected, unknown action.
	h.HandleCommand("set", json.RawMessage(`{"address":"crash","action":"explode"}`))
	// Rejected, no id.
	h.HandleCommand("remove", json.RawMessage(`{}`))
	h.HandleCommand("reboot", nil)

	if n := len(h.Breakpoints()); n != 1 {
		t.Fatalf("expected 1 breakpoint, got %d", n)
	}

	h.HandleCommand("remove", payload)
	if n := len(h.Breakpoints()); n != 0 {
		t.Fatalf("expected no breakpoint, got %d", n)
	}
}

func TestHandleCommandLua(t *testing.T) {
	h := newHarness(t, loopSource)

	h.HandleCommand("set", json.RawMessage(`{"address":"loop","action":"lua","script":"if hits == 2 then stop() end"}`))

	res, err := h.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stopped || res.Hits != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAmbiguousAddress(t *testing.T) {
	h := newHarness(t, loopSource)

	for i := 0; i < 2; i++ {
		bp := breakpoint.NewWithCommand[Command](loopAddr, StopCommand{}, false)
		if err := bp.Enable(h.vm); err != nil {
			t.Fatal(err)
		}
		h.breakpoints.Insert(bp)
	}

	res, err := h.Execute(context.Background(), nil)
	if !errors.Is(err, ErrAmbiguousAddress) {
		t.Fatalf("expected ErrAmbiguousAddress, got %v", err)
	}
	if res.Hits != 1 || res.Stopped {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, info := range h.Breakpoints() {
		if info.Hits != 0 {
			t.Fatalf("no breakpoint should be picked, %s has %d hit(s)", info.ID, info.Hits)
		}
	}
}
