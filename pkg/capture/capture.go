// Package capture provides snapshots of guest state at breakpoint hits and crashes.
package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aivorynet/breakharness/pkg/breakpoint"
	"github.com/aivorynet/breakharness/pkg/emulator"
)

const (
	KindBreakpoint = "breakpoint"
	KindCrash      = "crash"
)

// Capture holds captured guest state.
type Capture struct {
	ID           string                 `json:"id"`
	Kind         string                 `json:"kind"`
	BreakpointID *uint64                `json:"breakpoint_id,omitempty"`
	Address      string                 `json:"address"`
	Symbol       string                 `json:"symbol"`
	Fingerprint  string                 `json:"fingerprint"`
	StackTrace   []StackFrame           `json:"stack_trace"`
	Registers    map[string]Variable    `json:"registers"`
	Variables    map[string]Variable    `json:"variables,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Input        string                 `json:"input"`
	HitCount     int                    `json:"hit_count,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ErrorType    string                 `json:"error_type,omitempty"`
	Steps        int                    `json:"steps"`
	CapturedAt   string                 `json:"captured_at"`
	HarnessID    string                 `json:"harness_id,omitempty"`
	RunID        string                 `json:"run_id,omitempty"`
}

// StackFrame represents a single frame of the guest call stack.
type StackFrame struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

// Variable represents a captured value.
type Variable struct {
	Name          string              `json:"name"`
	Type          string              `json:"type"`
	Value         string              `json:"value"`
	IsNull        bool                `json:"is_null"`
	IsTruncated   bool                `json:"is_truncated"`
	Children      map[string]Variable `json:"children,omitempty"`
	ArrayElements []Variable          `json:"array_elements,omitempty"`
	ArrayLength   *int                `json:"array_length,omitempty"`
}

// CaptureHit captures the state of vm stopped at breakpoint id.
func CaptureHit(vm *emulator.VM, id breakpoint.ID, hitCount int, ctx map[string]interface{}, maxDepth int) *Capture {
	c := captureVM(KindBreakpoint, vm, ctx, maxDepth)

	bpID := uint64(id)
	c.BreakpointID = &bpID
	c.HitCount = hitCount
	c.Fingerprint = calculateFingerprint(c)

	return c
}

// CaptureCrash captures the VM snapshot carried by a crash.
func CaptureCrash(vmErr *emulator.VMError, ctx map[string]interface{}, maxDepth int) *Capture {
	c := captureVM(KindCrash, vmErr.VMSnapshot, ctx, maxDepth)

	cause := vmErr.Original
	if cause == nil {
		cause = vmErr
	}
	c.Error = vmErr.Error()
	c.ErrorType = errorName(cause)
	c.Fingerprint = calculateFingerprint(c)

	return c
}

func captureVM(kind string, vm *emulator.VM, ctx map[string]interface{}, maxDepth int) *Capture {
	pc := vm.Registers.PC

	context := make(map[string]interface{})
	variables := make(map[string]Variable)
	for k, v := range ctx {
		context[k] = v
		variables[k] = captureValue(k, v, 0, maxDepth)
	}

	registers := make(map[string]Variable, emulator.NumRegisters)
	for i, v := range vm.Registers.R {
		name := emulator.Register(i).String()
		registers[name] = Variable{
			Name:  name,
			Type:  "int64",
			Value: fmt.Sprintf("0x%016x", uint64(v)),
		}
	}

	return &Capture{
		ID:         uuid.New().String(),
		Kind:       kind,
		Address:    pc.String(),
		Symbol:     vm.Program.Symbolize(pc),
		StackTrace: captureStackTrace(vm),
		Registers:  registers,
		Variables:  variables,
		Context:    context,
		Input:      hex.EncodeToString(vm.Input),
		Steps:      vm.Steps(),
		CapturedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// CaptureValue captures an arbitrary value.
func CaptureValue(name string, value interface{}, maxDepth int) Variable {
	return captureValue(name, value, 0, maxDepth)
}

// captureStackTrace returns the current frame followed by the return
// addresses on the guest call stack, innermost first.
func captureStackTrace(vm *emulator.VM) []StackFrame {
	frames := []StackFrame{{
		Address: vm.Registers.PC.String(),
		Symbol:  vm.Program.Symbolize(vm.Registers.PC),
	}}

	for i := len(vm.CallStack) - 1; i >= 0 && len(frames) < 50; i-- {
		ret := vm.CallStack[i]
		frames = append(frames, StackFrame{
			Address: ret.String(),
			Symbol:  vm.Program.Symbolize(ret),
		})
	}

	return frames
}

func captureValue(name string, value interface{}, depth, maxDepth int) Variable {
	if value == nil {
		return Variable{
			Name:   name,
			Type:   "nil",
			Value:  "nil",
			IsNull: true,
		}
	}

	if depth > maxDepth {
		return Variable{
			Name:        name,
			Type:        reflect.TypeOf(value).String(),
			Value:       "<max depth exceeded>",
			IsTruncated: true,
		}
	}

	// Guest data is mostly bytes, render it the way it would be fed back in.
	if b, ok := value.([]byte); ok {
		length := len(b)
		return Variable{
			Name:        name,
			Type:        "[]byte",
			Value:       hex.EncodeToString(truncateBytes(b, 256)),
			ArrayLength: &length,
			IsTruncated: length > 256,
		}
	}

	v := reflect.ValueOf(value)
	t := v.Type()

	switch v.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return Variable{
			Name:  name,
			Type:  t.String(),
			Value: fmt.Sprintf("%v", value),
		}

	case reflect.String:
		s := v.String()
		truncated := len(s) > 1000
		if truncated {
			s = s[:1000]
		}
		return Variable{
			Name:        name,
			Type:        "string",
			Value:       s,
			IsTruncated: truncated,
		}

	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return Variable{
				Name:   name,
				Type:   t.String(),
				Value:  "nil",
				IsNull: true,
			}
		}
		return captureValue(name, v.Elem().Interface(), depth, maxDepth)

	case reflect.Slice, reflect.Array:
		length := v.Len()
		elements := []Variable{}

		maxElements := 100
		if length < maxElements {
			maxElements = length
		}

		for i := 0; i < maxElements; i++ {
			elem := captureValue(fmt.Sprintf("[%d]", i), v.Index(i).Interface(), depth+1, maxDepth)
			elements = append(elements, elem)
		}

		return Variable{
			Name:          name,
			Type:          t.String(),
			Value:         fmt.Sprintf("[%d items]", length),
			ArrayElements: elements,
			ArrayLength:   &length,
			IsTruncated:   length > 100,
		}

	case reflect.Map:
		children := make(map[string]Variable)
		keys := v.MapKeys()

		maxKeys := 100
		if len(keys) < maxKeys {
			maxKeys = len(keys)
		}

		for i := 0; i < maxKeys; i++ {
			key := keys[i]
			keyStr := fmt.Sprintf("%v", key.Interface())
			children[keyStr] = captureValue(keyStr, v.MapIndex(key).Interface(), depth+1, maxDepth)
		}

		return Variable{
			Name:        name,
			Type:        t.String(),
			Value:       fmt.Sprintf("map[%d]", len(keys)),
			Children:    children,
			IsTruncated: len(keys) > 100,
		}

	case reflect.Struct:
		children := make(map[string]Variable)

		for i := 0; i < t.NumField() && i < 100; i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			children[field.Name] = captureValue(field.Name, v.Field(i).Interface(), depth+1, maxDepth)
		}

		return Variable{
			Name:     name,
			Type:     t.String(),
			Value:    fmt.Sprintf("<%s>", t.Name()),
			Children: children,
		}

	default:
		return Variable{
			Name:  name,
			Type:  t.String(),
			Value: fmt.Sprintf("<%s>", t.Kind()),
		}
	}
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// calculateFingerprint identifies a capture by where it happened, not by the
// input that got there. Two crashes with the same fingerprint are the same bug.
func calculateFingerprint(c *Capture) string {
	parts := []string{c.Kind, c.ErrorType}

	for i, frame := range c.StackTrace {
		if i >= 5 {
			break
		}
		parts = append(parts, frame.Address)
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(hash[:8])
}

// errorName names the sentinel behind err, falling back to its type.
func errorName(err error) string {
	for _, sentinel := range []error{
		emulator.ErrAbort,
		emulator.ErrStepLimit,
		emulator.ErrBadPC,
		emulator.ErrCallDepth,
		emulator.ErrBadReturn,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}

	t := reflect.TypeOf(err)
	if t == nil {
		return "error"
	}
	if t.Kind() == reflect.Ptr {
		return t.Elem().String()
	}
	return t.String()
}
