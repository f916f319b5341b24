package testutils

import (
	"testing"

	"go.uber.org/goleak"

	"go.cribnosh.com/utils"
)

// VerifyTestMain preforms various runtime checks on code that tests run,
// currently that no goroutines are left running once the package's tests finish.
func VerifyTestMain(m *testing.M, extra ...goleak.Option) {
	goleak.VerifyTestMain(m, utils.GoroutineLeakOptions(extra...)...)
}
