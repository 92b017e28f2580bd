package harness

import (
	"context"
	"errors"
	"log"
	"math/rand"

	"github.com/google/uuid"

	"github.com/aivorynet/breakharness/pkg/capture"
	"github.com/aivorynet/breakharness/pkg/emulator"
)

// Crash is a unique guest failure found while fuzzing.
type Crash struct {
	Input   []byte
	Err     *emulator.VMError
	Capture *capture.Capture
	// Count is how many inputs ran into the same failure.
	Count int
}

// FuzzReport summarizes a fuzzing campaign.
type FuzzReport struct {
	RunID      string
	Executions int
	Hits       int
	Edges      int
	Corpus     [][]byte
	Crashes    []*Crash
}

// interesting bytes tried by the mutator besides random ones.
var interesting = []byte{0x00, 0x01, 0x7f, 0x80, 0xff, 'A', 'Z', '0', '\n'}

// Fuzz runs the guest on mutated inputs, keeping those which reach new edges.
// Breakpoints stay armed and their commands run as in Execute. Crashes are
// deduplicated by fingerprint and sent to the backend.
//
// Fuzz stops after Config.Iterations executions, when ctx is done, or on the
// first error which is not a guest failure.
func (h *Harness) Fuzz(ctx context.Context, seeds [][]byte) (*FuzzReport, error) {
	h.mu.Lock()
	h.runID = uuid.New().String()
	report := &FuzzReport{RunID: h.runID}
	h.mu.Unlock()

	rng := rand.New(rand.NewSource(h.config.Seed))
	total := emulator.NewCoverage()
	crashes := make(map[string]*Crash)

	// Seeds run unmodified first so their coverage is the baseline.
	pending := make([][]byte, 0, len(seeds)+1)
	for _, seed := range seeds {
		pending = append(pending, append([]byte(nil), seed...))
	}
	if len(pending) == 0 {
		pending = append(pending, []byte{})
	}

	for report.Executions < h.config.Iterations {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var input []byte
		if len(pending) > 0 {
			input, pending = pending[0], pending[1:]
		} else {
			var parent []byte
			if len(report.Corpus) > 0 {
				parent = report.Corpus[rng.Intn(len(report.Corpus))]
			}
			input = mutate(rng, parent, h.config.MaxInputSize)
		}

		res, err := h.Execute(ctx, input)
		report.Executions++
		report.Hits += res.Hits
		grew := total.Merge(res.Coverage) > 0
		report.Edges = total.Len()

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return report, err
			}

			var vmErr *emulator.VMError
			if !errors.As(err, &vmErr) {
				return report, err
			}

			h.recordCrash(crashes, report, input, vmErr)
			continue
		}

		if grew || len(report.Corpus) == 0 {
			report.Corpus = append(report.Corpus, input)
			if h.config.Debug {
				log.Printf(logPrefix+"New coverage: %d edges, corpus %d", total.Len(), len(report.Corpus))
			}
		}
	}

	return report, nil
}

func (h *Harness) recordCrash(crashes map[string]*Crash, report *FuzzReport, input []byte, vmErr *emulator.VMError) {
	c := capture.CaptureCrash(vmErr, map[string]interface{}{
		"execution": report.Executions,
	}, h.config.MaxCaptureDepth)

	if known, ok := crashes[c.Fingerprint]; ok {
		known.Count++
		return
	}

	crash := &Crash{
		Input:   input,
		Err:     vmErr,
		Capture: c,
		Count:   1,
	}
	crashes[c.Fingerprint] = crash
	report.Crashes = append(report.Crashes, crash)

	log.Printf(logPrefix+"Crash %s: %v (input %q)", c.Fingerprint, vmErr, input)

	h.mu.Lock()
	h.send(c)
	h.mu.Unlock()
}

// mutate returns a modified copy of in, at most maxSize bytes long.
func mutate(rng *rand.Rand, in []byte, maxSize int) []byte {
	out := append([]byte(nil), in...)

	rounds := 1 + rng.Intn(4)
	for i := 0; i < rounds; i++ {
		switch rng.Intn(6) {
		case 0:
			if len(out) > 0 {
				pos := rng.Intn(len(out))
				out[pos] ^= 1 << uint(rng.Intn(8))
			}
		case 1:
			if len(out) > 0 {
				out[rng.Intn(len(out))] = byte(rng.Intn(256))
			}
		case 2:
			if len(out) > 0 {
				out[rng.Intn(len(out))] = interesting[rng.Intn(len(interesting))]
			}
		case 3:
			pos := rng.Intn(len(out) + 1)
			out = append(out[:pos], append([]byte{byte(rng.Intn(256))}, out[pos:]...)...)
		case 4:
			if len(out) > 0 {
				pos := rng.Intn(len(out))
				out = append(out[:pos], out[pos+1:]...)
			}
		case 5:
			out = append(out, interesting[rng.Intn(len(interesting))])
		}
	}

	if maxSize > 0 && len(out) > maxSize {
		out = out[:maxSize]
	}

	return out
}
