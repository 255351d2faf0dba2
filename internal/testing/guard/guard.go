// Package guard switches binaries into test mode when imported from tests.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("ROOMLEDGER_TEST_MODE") == "" {
			_ = os.Setenv("ROOMLEDGER_TEST_MODE", "1")
		}
	})
}
