package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

// WriteTempFile writes contents to a uniquely named file in a directory removed once the
// test and all its subtests complete, and returns the file's path.
func WriteTempFile(tb testing.TB, name, contents string) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	test.That(tb, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
	return path
}
