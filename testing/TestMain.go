package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("ROOMLEDGER_TEST_MODE", "1")
		if os.Getenv("RECALC_BATCH_DELAY") == "" {
			_ = os.Setenv("RECALC_BATCH_DELAY", "0s")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
