// Command watchkit runs one zone of the detection-to-action pipeline and
// controls a running daemon through files in its data directory.
package main

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/vinayprograms/watchkit/errors"
)

// Exit codes.
const (
	exitOK           = 0
	exitFailure      = 1
	exitNotRunning   = 2
	exitInvalidInput = 3
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "watchkit:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case stderrors.Is(err, errNotRunning):
		return exitNotRunning
	case errors.Is(err, errors.CodeInvalidInput), errors.Is(err, errors.CodeNotFound):
		return exitInvalidInput
	default:
		return exitFailure
	}
}
