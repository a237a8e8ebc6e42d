package main

import (
	"os"

	"github.com/bnema/interpreter-scheduler/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
