//go:build darwin

package notice

import (
	"os/exec"
	"strings"
)

var appleScriptEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// Show displays a dialog through osascript.
func Show(title, message string) error {
	script := `display dialog "` + appleScriptEscaper.Replace(message) +
		`" with title "` + appleScriptEscaper.Replace(title) +
		`" buttons {"OK"} default button 1 with icon caution`
	return exec.Command("osascript", "-e", script).Run()
}
