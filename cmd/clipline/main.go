package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"clipline/internal/services"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "clipline:", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps validation and configuration problems to 2 so scripts can
// tell bad input apart from processing failures.
func exitCode(err error) int {
	if errors.Is(err, services.ErrValidation) || errors.Is(err, services.ErrConfiguration) {
		return 2
	}
	return 1
}
