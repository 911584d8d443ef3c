// Package notify raises desktop notifications for operator-facing events.
package notify

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// ErrUnsupported is returned by Send on platforms without osascript.
var ErrUnsupported = errors.New("desktop notifications are only supported on macOS")

// Send posts a macOS notification via osascript with sound.
func Send(title, message string) error {
	if runtime.GOOS != "darwin" {
		return ErrUnsupported
	}
	script := fmt.Sprintf(
		`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title),
	)
	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
