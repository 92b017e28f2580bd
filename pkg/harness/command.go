package harness

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aivorynet/breakharness/pkg/breakpoint"
	"github.com/aivorynet/breakharness/pkg/capture"
	"github.com/aivorynet/breakharness/pkg/emulator"
)

// Verdict tells the harness what to do after a command ran.
type Verdict int

const (
	// Continue resumes the guest.
	Continue Verdict = iota
	// Stop ends the current execution.
	Stop
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Command is the action attached to a breakpoint. It runs with the harness
// locked, so it must only reach the harness through hit.
type Command interface {
	Run(ctx context.Context, hit *Hit) (Verdict, error)
}

// CommandFunc adapts a function to Command.
type CommandFunc func(ctx context.Context, hit *Hit) (Verdict, error)

func (f CommandFunc) Run(ctx context.Context, hit *Hit) (Verdict, error) {
	return f(ctx, hit)
}

// Chain runs its commands in order until one of them stops or fails.
type Chain []Command

func (c Chain) Run(ctx context.Context, hit *Hit) (Verdict, error) {
	for _, cmd := range c {
		verdict, err := cmd.Run(ctx, hit)
		if err != nil || verdict == Stop {
			return verdict, err
		}
	}
	return Continue, nil
}

func (c Chain) String() string {
	names := make([]string, len(c))
	for i, cmd := range c {
		names[i] = describe(cmd)
	}
	return strings.Join(names, ",")
}

// Hit is what a command gets to work with when its breakpoint triggered.
type Hit struct {
	Breakpoint *breakpoint.Breakpoint[Command]
	VM         *emulator.VM
	// Count is the number of times the breakpoint triggered, this one included.
	Count int

	harness *Harness
}

// Rearm registers the breakpoint with the engine again. A breakpoint created
// with disableOnTrigger stays disarmed after a hit until this is called.
func (hit *Hit) Rearm() error {
	return hit.Breakpoint.Enable(hit.VM)
}

// Disable disarms the breakpoint.
func (hit *Hit) Disable() error {
	return hit.Breakpoint.Disable(hit.VM)
}

// Capture snapshots the guest and sends it to the backend. It returns nil if
// the capture was rate limited.
func (hit *Hit) Capture(ctx map[string]interface{}) *capture.Capture {
	h := hit.harness
	if !h.limiter.allow() {
		if h.config.Debug {
			log.Println(logPrefix + "Rate limit reached, skipping capture")
		}
		return nil
	}

	c := capture.CaptureHit(hit.VM, hit.Breakpoint.ID(), hit.Count, ctx, h.config.MaxCaptureDepth)
	h.send(c)

	return c
}

// CaptureCommand captures the guest state on every hit and continues.
type CaptureCommand struct {
	// Context is attached to every capture.
	Context map[string]interface{}
}

func (c *CaptureCommand) Run(_ context.Context, hit *Hit) (Verdict, error) {
	hit.Capture(c.Context)
	return Continue, nil
}

func (c *CaptureCommand) String() string {
	return "capture"
}

// StopCommand ends the execution.
type StopCommand struct{}

func (StopCommand) Run(context.Context, *Hit) (Verdict, error) {
	return Stop, nil
}

func (StopCommand) String() string {
	return "stop"
}

// ParseCommand builds one of the built-in commands by name. script is only
// used by "lua". An empty action means no command.
func ParseCommand(action, name, script string) (Command, error) {
	switch action {
	case "", "none":
		return nil, nil
	case "capture":
		return &CaptureCommand{}, nil
	case "stop":
		return StopCommand{}, nil
	case "lua":
		return NewLuaCommand(name, script)
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
}

func describe(cmd Command) string {
	if s, ok := cmd.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", cmd)
}

type rateLimiter struct {
	mu          sync.Mutex
	max         int
	count       int
	windowStart time.Time
}

func newRateLimiter(maxPerSecond int) *rateLimiter {
	return &rateLimiter{max: maxPerSecond}
}

// allow reports whether another capture fits in the current one second window.
// A limit of zero or less disables limiting.
func (r *rateLimiter) allow() bool {
	if r.max <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.windowStart) >= time.Second {
		r.count = 0
		r.windowStart = now
	}

	if r.count >= r.max {
		return false
	}

	r.count++
	return true
}
