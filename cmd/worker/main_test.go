package main

import (
	"testing"

	_ "github.com/roomledger/roomledger/internal/testing/guard"
)

func TestMainSkipsInTestMode(t *testing.T) {
	main()
}
