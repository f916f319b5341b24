package utils

import "go.uber.org/goleak"

// goroutineLeakIgnores are long-lived goroutines started by dependencies that
// cannot be stopped from the outside.
var goroutineLeakIgnores = []goleak.Option{
	goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	// the mongo driver keeps a background rtt monitor per pool for a short while after Disconnect
	goleak.IgnoreTopFunction("go.mongodb.org/mongo-driver/x/mongo/driver/topology.(*rttMonitor).runHellos"),
	goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
}

// GoroutineLeakOptions returns the goleak options shared by FindGoroutineLeaks
// and test mains, plus any extra ones given.
func GoroutineLeakOptions(extra ...goleak.Option) []goleak.Option {
	opts := make([]goleak.Option, 0, len(goroutineLeakIgnores)+len(extra))
	opts = append(opts, goroutineLeakIgnores...)
	return append(opts, extra...)
}

// FindGoroutineLeaks finds any goroutine leaks after a program is done running. This
// should be used at the end of a main test run or a top-level process run.
func FindGoroutineLeaks(extra ...goleak.Option) error {
	return goleak.Find(GoroutineLeakOptions(extra...)...)
}
