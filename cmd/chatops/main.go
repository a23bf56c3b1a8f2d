// Package main is the entry point for the chatops bot.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/chatops/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
