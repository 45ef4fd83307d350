// Package main is the entry point for luadbg.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/luadbg/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
