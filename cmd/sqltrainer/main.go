// Package main provides the sqltrainer command.
package main

import (
	"os"

	"github.com/leapstack-labs/sqltrainer/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
