// Command sb is the switchboard CLI: it runs the relay and the mirror, and
// talks to a running relay to create feeds, post and read events, claim
// tasks and run workers.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// errDenied marks a claim that another agent holds. It maps to exit code 2.
var errDenied = errors.New("claim denied")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code:
//
//	0  success
//	1  error
//	2  claim denied
func run(args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	a.Close()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errDenied):
		return 2
	default:
		fmt.Fprintf(stderr, "sb: %v\n", err)
		return 1
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
