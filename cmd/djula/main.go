package main

import (
	"os"

	"github.com/Sdiabate1337/Djula-ai/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
