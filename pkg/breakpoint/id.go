package breakpoint

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// ID is the surrogate identity of a breakpoint. It is unique for the lifetime
// of the process and unrelated to the breakpoint's address.
type ID uint64

var idSeq = sync.OnceValue(func() *atomic.Uint64 {
	return atomic.NewUint64(0)
})

// NextID returns a fresh breakpoint identity. Identities start at zero and
// increase strictly; it is safe to call from multiple goroutines.
func NextID() ID {
	return ID(idSeq().Inc() - 1)
}

func (id ID) String() string {
	return fmt.Sprintf("bp#%d", uint64(id))
}
