// Package main provides the entry point for the codesearchd CLI.
package main

import (
	"os"

	"github.com/amanmcp-labs/codesearchd/cmd/codesearchd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
