// Package hammer runs a test body from many goroutines at once, to show that
// independent translation sessions share no state.
package hammer

import (
	"runtime"
	"sync"
	"testing"
)

// Hammer runs test in P goroutines, N times per goroutine, releasing all
// goroutines at the same time. A panic in test, such as a failed
// require.XX, fails t instead of crashing the process.
//
//	hammer.New(t, 8, 100).Run(func(p, n int) {
//		s := newSession(t) // one session per call
//		...
//	})
//	if t.Failed() {
//		return
//	}
type Hammer struct {
	t    *testing.T
	P, N int
}

// New returns a Hammer of P goroutines looping N times. In short mode both
// are divided by 4, keeping at least one of each.
func New(t *testing.T, P, N int) *Hammer {
	if testing.Short() {
		P, N = max(P/4, 1), max(N/4, 1)
	}
	return &Hammer{t: t, P: P, N: N}
}

// Run invokes test(p, n) for every goroutine p and iteration n.
func (h *Hammer) Run(test func(p, n int)) {
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(max(h.P/2, 1))) // goroutines have to switch cores

	var ready, done sync.WaitGroup
	start := make(chan struct{})
	ready.Add(h.P)
	done.Add(h.P)
	for p := 0; p < h.P; p++ {
		go func(p int) {
			defer done.Done()
			defer func() {
				if r := recover(); r != nil {
					h.t.Error(r)
				}
			}()
			ready.Done()
			<-start
			for n := 0; n < h.N; n++ {
				test(p, n)
			}
		}(p)
	}
	ready.Wait()
	close(start)
	done.Wait()
}
