package agentsdk

import (
	"fmt"
	"os"
	"path/filepath"
)

// printRootAndExitIfRequested implements the Environment Builder's
// validation contract: invoked as `bin/agent --agentrun-print-root`, the
// binary must print its environment's absolute root path (the parent of
// its own bin/ directory) and exit 0, without touching ports, the
// manifest, or any other runtime state.
func printRootAndExitIfRequested() bool {
	if len(os.Args) < 2 || os.Args[1] != "--agentrun-print-root" {
		return false
	}
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	root := filepath.Dir(filepath.Dir(exe))
	fmt.Println(root)
	return true
}
