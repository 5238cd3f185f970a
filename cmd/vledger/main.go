// Command vledger seals governance verdicts into a tamper-evident ledger.
package main

import (
	"os"

	"github.com/roach88/vledger/internal/cli"
)

func main() {
	os.Exit(cli.Main())
}
