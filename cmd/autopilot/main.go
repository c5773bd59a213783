// File: cmd/autopilot/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/autopilot-cli/cmd"
	"github.com/xkilldash9x/autopilot-cli/internal/observability"
)

const panicLogFile = "panic.log"

// exitPanic is the exit code after an unrecovered panic; a crash is a failure.
const exitPanic = 1

// Define function variables for dependency injection/mocking in tests.
var (
	osWriteFile = os.WriteFile
	// Allows mocking os.Exit in tests.
	osExit  = os.Exit
	execute = cmd.Execute
)

// main is the entry point of the application.
func main() {
	defer handlePanic()
	osExit(run(os.Args[1:]))
}

// run executes the command tree under a context cancelled by SIGINT or SIGTERM.
// Cancellation is cooperative: running sessions finish their current action,
// record ABORTED and are still reported.
func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return execute(ctx, args)
}

// handlePanic logs an unrecovered panic with its stack to panicLogFile and
// exits non-zero.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	// Ensure logs are flushed before proceeding.
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		osExit(exitPanic)
		return // Return facilitates testing when osExit is mocked.
	}
	fmt.Fprintf(os.Stderr, "autopilot crashed: %v\nDetails logged to %s\n", r, panicLogFile)
	osExit(exitPanic)
}
