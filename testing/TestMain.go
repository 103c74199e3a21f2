// Package testing switches binaries into test mode when blank-imported from a test.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("BACKOFFICE_TEST_MODE", "1")
	})
}

func init() {
	ensureTestMode()
}

// TestMain can be assigned from a package that needs test mode before any init runs.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
