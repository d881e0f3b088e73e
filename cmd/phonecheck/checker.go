package main

import (
	"log/slog"
	"os/exec"
)

// checkCheckerPath warns at startup when the checker executable cannot be
// resolved. The bot still starts: jobs fail individually with a clear reason
// until the checker is installed.
func checkCheckerPath(path string) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		slog.Warn("checker: executable not found, jobs will fail", "path", path, "error", err)
		return
	}
	slog.Info("checker: found", "path", resolved)
}
