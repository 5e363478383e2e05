package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFromError(err))
	}
}

// exitCodeFromError maps an error to §6's exit code taxonomy: 2 for
// invalid arguments, 3 for a failed schema verification, 1 otherwise.
func exitCodeFromError(err error) int {
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) && exitErr.Code != 0 {
		return exitErr.Code
	}
	return 1
}
