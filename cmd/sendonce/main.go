package main

import (
	"os"

	"github.com/sendonce/sendonce/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
