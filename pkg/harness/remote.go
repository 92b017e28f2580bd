package harness

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/aivorynet/breakharness/pkg/breakpoint"
	"github.com/aivorynet/breakharness/pkg/transport"
)

var _ transport.CommandHandler = (*Harness)(nil)

// remoteBreakpoint is the payload of breakpoint commands sent by the backend.
type remoteBreakpoint struct {
	ID               *uint64 `json:"id"`
	Address          string  `json:"address"`
	DisableOnTrigger bool    `json:"disable_on_trigger"`
	Action           string  `json:"action"`
	Script           string  `json:"script"`
}

// HandleCommand handles a breakpoint command from the backend. Failures are
// logged, the backend gets no reply.
func (h *Harness) HandleCommand(command string, payload json.RawMessage) {
	if err := h.handleCommand(command, payload); err != nil {
		log.Printf(logPrefix+"Command %s failed: %v", command, err)
	}
}

func (h *Harness) handleCommand(command string, payload json.RawMessage) error {
	var req remoteBreakpoint
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}

	switch command {
	case "set":
		addr, err := h.vm.Program.Resolve(req.Address)
		if err != nil {
			return err
		}

		cmd, err := ParseCommand(req.Action, req.Address, req.Script)
		if err != nil {
			return err
		}

		id, err := h.AddBreakpoint(addr, cmd, req.DisableOnTrigger)
		if err != nil {
			return err
		}

		if h.config.Debug {
			log.Printf(logPrefix+"Remote breakpoint %s set at %s", id, addr)
		}
		return nil

	case "remove", "enable", "disable":
		if req.ID == nil {
			return fmt.Errorf("%s: missing id", command)
		}
		id := breakpoint.ID(*req.ID)

		switch command {
		case "remove":
			return h.RemoveBreakpoint(id)
		case "enable":
			return h.EnableBreakpoint(id)
		default:
			return h.DisableBreakpoint(id)
		}

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
