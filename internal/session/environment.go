package session

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/Iron-Ham/continuum/internal/run"
)

// CaptureEnvironment describes the calling execution context. The git
// revision of workDir is read only when captureRevision is set and is
// bounded by ctx; any failure leaves it empty.
func CaptureEnvironment(ctx context.Context, workDir, contextID string, captureRevision bool) run.Environment {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	env := run.Environment{
		Hostname:   hostname,
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		WorkingDir: workDir,
		ContextID:  contextID,
	}
	if captureRevision {
		env.Revision = gitRevision(ctx, workDir)
	}
	return env
}

func gitRevision(ctx context.Context, dir string) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
