package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	err := newRootCmd().Execute()

	if errors.Is(err, errRestartRequested) {
		closeLog()

		// Only returns on failure.
		err = reexec()
		fmt.Fprintf(os.Stderr, "Error: restarting: %v\n", err)
		os.Exit(1)
	}

	if err != nil {
		exitOnError(err)
	}

	closeLog()
}
