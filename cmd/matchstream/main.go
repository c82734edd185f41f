// Package main is the entry point for matchstream.
package main

import (
	"os"

	"matchstream-go/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
