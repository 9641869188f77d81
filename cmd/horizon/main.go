// Package main is the horizon command-line entry point.
package main

import (
	"context"
	"os"

	"github.com/JakeFAU/horizon/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background()))
}
