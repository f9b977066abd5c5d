package main

import (
	"fmt"
	"os"

	"github.com/jmylchreest/chanarr/cmd/chanarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
