// Package e2e holds helpers for tests that drive the compiled cpuload binary.
package e2e

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const buildTimeout = 2 * time.Minute

// RepositoryRoot walks up from this package to the directory holding go.mod.
func RepositoryRoot(tb testing.TB) string {
	tb.Helper()

	_, currentFile, _, ok := runtime.Caller(0)
	if !ok {
		tb.Fatal("determine caller path")
	}

	root := filepath.Clean(filepath.Join(filepath.Dir(currentFile), "..", "..", ".."))

	_, err := os.Stat(filepath.Join(root, "go.mod"))
	if err != nil {
		tb.Fatalf("locate repository root: %v", err)
	}

	return root
}

// BuildCPULoadBinary compiles ./cmd/cpuload into a temporary directory and
// returns the binary path.
func BuildCPULoadBinary(tb testing.TB, repoRoot string, tags ...string) string {
	tb.Helper()

	binaryPath := filepath.Join(tb.TempDir(), "cpuload")

	args := []string{"build", "-o", binaryPath}
	if len(tags) > 0 {
		args = append(args, "-tags", strings.Join(tags, ","))
	}

	args = append(args,
		"-ldflags", "-X cpuload/internal/buildinfo.Version=e2e",
		"./cmd/cpuload",
	)

	ctx, cancel := context.WithTimeout(context.Background(), buildTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", args...)
	cmd.Dir = repoRoot
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")

	output, err := cmd.CombinedOutput()
	if err != nil {
		tb.Fatalf("build cpuload binary: %v\n%s", err, output)
	}

	return binaryPath
}
