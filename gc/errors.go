// ABOUTME: Fatal collector conditions raised with panic
// ABOUTME: Invariant violations and unrecoverable evacuation failures end up here

package gc

import (
	"fmt"

	"github.com/prateek/markcompact/heap"
)

// FatalError is the panic value of every unrecoverable collector failure
type FatalError = heap.FatalError

func fatal(reason string, err error) {
	panic(&FatalError{Reason: reason, Err: err})
}

func fatalf(format string, args ...any) {
	panic(&FatalError{Reason: fmt.Sprintf(format, args...)})
}
