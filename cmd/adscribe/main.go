// Package main is the entry point for the adscribe application.
package main

import (
	"os"

	"github.com/adscribe/adscribe/cmd/adscribe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
