package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"golang.org/x/term"
)

// isTTY reports whether stderr is an interactive terminal.
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr, &cli{isTTY: isTTY}))
}

// runCLI executes the command line in args and returns the process exit code.
func runCLI(args []string, stdout, stderr io.Writer, c *cli) int {
	c.stdout, c.stderr = stdout, stderr

	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return ExitCodeSuccess
	}
	var shown *displayedError
	if !errors.As(err, &shown) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}
