package agentsdk

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const bootFailureFile = ".agentrun-boot-failures"

// readBootFailureFile is a best-effort read of the previous successor's
// failure count; LoadConfig's BOOT_FAILURE_COUNT remains authoritative
// when the orchestrator sets it explicitly.
func readBootFailureFile(packagePath string) int {
	if packagePath == "" {
		return 0
	}
	b, err := os.ReadFile(filepath.Join(packagePath, bootFailureFile))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeBootFailureFile records count for the orchestrator to pass to this
// deployment's next boot attempt via BOOT_FAILURE_COUNT. Best-effort: a
// write failure here must never mask the real boot outcome.
func writeBootFailureFile(packagePath string, count int) {
	if packagePath == "" {
		return
	}
	_ = os.WriteFile(filepath.Join(packagePath, bootFailureFile), []byte(strconv.Itoa(count)), 0o644)
}
