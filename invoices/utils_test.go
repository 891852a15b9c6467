package invoices

import (
	"os"
	"runtime/pprof"
	"testing"
	"time"
)

// timeout implements a test level timeout. Returned is a cleanup function
// that the test must defer; tests that exceed the timeout dump all goroutine
// stacks and abort.
func timeout(t *testing.T) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(5 * time.Second):
			pprof.Lookup("goroutine").WriteTo(os.Stdout, 1)

			panic("test timeout")
		case <-done:
		}
	}()

	return func() {
		close(done)
	}
}
