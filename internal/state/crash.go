package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxCrashReports bounds the crash-N.txt numbering
const maxCrashReports = 1000

// WriteCrashReport records a failed run as the next free crash-N.txt in
// dir and returns its path.
func WriteCrashReport(dir string, runErr error, now time.Time, version string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create crash report directory: %w", err)
	}

	for n := 0; n < maxCrashReports; n++ {
		path := filepath.Join(dir, fmt.Sprintf("crash-%d.txt", n))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create crash report: %w", err)
		}
		if _, err := f.WriteString(crashReport(runErr, now, version)); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("failed to write crash report: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to close crash report: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("too many crash reports in %s", dir)
}

func crashReport(runErr error, now time.Time, version string) string {
	var b strings.Builder
	b.WriteString("# patchsync crash report\n#\n")
	fmt.Fprintf(&b, "# at: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "# version: %s\n#\n", version)
	fmt.Fprintf(&b, "# error: %T\n", runErr)
	fmt.Fprintf(&b, "%v\n", runErr)

	cause := errors.Unwrap(runErr)
	for cause != nil {
		fmt.Fprintf(&b, "\ncaused by (%T): %v\n", cause, cause)
		cause = errors.Unwrap(cause)
	}
	return b.String()
}
