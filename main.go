package main

import (
	"os"

	"github.com/opencode-ai/ratefallback/cmd/fallbackd"
)

func main() {
	os.Exit(fallbackd.Execute(os.Args[1:]...))
}
