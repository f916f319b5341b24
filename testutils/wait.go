package testutils

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

const (
	waitCheckTestIters = 200
	waitSleep          = 25 * time.Millisecond
)

// WaitForAssertion waits for the given assertion to pass. It is retried every 25ms for
// five seconds; the last failing attempt is reported against tb.
func WaitForAssertion(tb testing.TB, assertion func(tb testing.TB)) {
	tb.Helper()
	WaitForAssertionWithSleep(tb, waitSleep, waitCheckTestIters, assertion)
}

// WaitForAssertionWithSleep is like WaitForAssertion with a custom retry interval and
// number of attempts.
func WaitForAssertionWithSleep(tb testing.TB, sleep time.Duration, iters int, assertion func(tb testing.TB)) {
	tb.Helper()
	for i := 0; i < iters-1; i++ {
		if passes(tb, assertion) {
			return
		}
		time.Sleep(sleep)
	}
	assertion(tb)
}

// passes runs the assertion against a TB that records failures instead of failing tb.
func passes(tb testing.TB, assertion func(tb testing.TB)) bool {
	ftb := &failureRecorder{TB: tb}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assertion(ftb)
	}()
	wg.Wait()
	return !ftb.Failed()
}

type failureRecorder struct {
	testing.TB
	mu     sync.Mutex
	failed bool
}

func (f *failureRecorder) fail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = true
}

func (f *failureRecorder) Failed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func (f *failureRecorder) Fail() {
	f.fail()
}

func (f *failureRecorder) FailNow() {
	f.fail()
	runtime.Goexit()
}

func (f *failureRecorder) Error(...interface{}) {
	f.fail()
}

func (f *failureRecorder) Errorf(string, ...interface{}) {
	f.fail()
}

func (f *failureRecorder) Fatal(...interface{}) {
	f.fail()
	runtime.Goexit()
}

func (f *failureRecorder) Fatalf(string, ...interface{}) {
	f.fail()
	runtime.Goexit()
}
