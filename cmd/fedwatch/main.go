package main

import (
	"os"

	"github.com/bnema/fedwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
