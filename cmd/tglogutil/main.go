// Command tglogutil inspects, repairs, and offline-compacts a limestone log
// directory from outside a running datastore process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "tglogutil",
		Short:         "Inspect, repair, and compact a limestone log directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newInspectCommand())
	root.AddCommand(newRepairCommand())
	root.AddCommand(newCompactionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tglogutil:", err)
		os.Exit(exitCodeOf(err))
	}
}

// exitStatus pairs a process exit code with the human-readable status word
// the CLI prints before exiting, per the fixed exit-code contract each
// subcommand documents in its Short/Long help text.
type exitStatus struct {
	code   int
	status string
	err    error
}

func (e *exitStatus) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.status, e.err)
	}
	return e.status
}

func (e *exitStatus) Unwrap() error { return e.err }

// exitCodeOf extracts the process exit code intended for err, defaulting to
// 64 ("cannot-check") for any error that did not originate as an
// *exitStatus — an unexpected internal failure is exactly the kind of thing
// automation should treat as "could not even check", not as a soft 1.
func exitCodeOf(err error) int {
	if es, ok := err.(*exitStatus); ok {
		return es.code
	}
	return 64
}
