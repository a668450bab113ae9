//go:build darwin

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
)

const launchAgentLabel = "com.simplyprint.nfc-wedge"

// The agent runs in the Aqua session so it can post keystrokes. KeepAlive
// restarts it after a crash but not after Quit from the tray.
var plistTemplate = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>run</string>
    </array>
    <key>LimitLoadToSessionType</key>
    <string>Aqua</string>
    <key>ProcessType</key>
    <string>Interactive</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/nfc-wedge.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/nfc-wedge.err</string>
</dict>
</plist>
`))

// launchctl runs launchctl and returns its combined output. Replaced in
// tests.
var launchctl = func(args ...string) ([]byte, error) {
	return exec.Command("launchctl", args...).CombinedOutput()
}

type darwinService struct {
	home string
}

// New creates a new platform-specific service manager
func New() Service {
	home, _ := os.UserHomeDir()
	return &darwinService{home: home}
}

func (s *darwinService) plistPath() string {
	return filepath.Join(s.home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

func (s *darwinService) logDir() string {
	return filepath.Join(s.home, "Library", "Logs", "NFC Wedge")
}

// domain is the per-user GUI launchd domain, gui/<uid>.
func domain() string {
	return "gui/" + strconv.Itoa(os.Getuid())
}

func (s *darwinService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}
	execPath, err := executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	if err := os.MkdirAll(s.logDir(), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	err = writeTemplate(s.plistPath(), plistTemplate, struct {
		Label          string
		ExecutablePath string
		LogDir         string
	}{launchAgentLabel, execPath, s.logDir()})
	if err != nil {
		return err
	}

	// The plist alone is enough for the next login; bootstrap also
	// starts it now.
	if out, err := launchctl("bootstrap", domain(), s.plistPath()); err != nil {
		os.Remove(s.plistPath())
		return fmt.Errorf("launchctl bootstrap: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (s *darwinService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}
	// Fails when the agent is not loaded, which is fine.
	launchctl("bootout", domain()+"/"+launchAgentLabel)

	if err := os.Remove(s.plistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist file: %w", err)
	}
	return nil
}

func (s *darwinService) IsInstalled() bool {
	_, err := os.Stat(s.plistPath())
	return err == nil
}

func (s *darwinService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	out, err := launchctl("print", domain()+"/"+launchAgentLabel)
	if err != nil {
		return "installed but not loaded", nil
	}
	if strings.Contains(string(out), "state = running") {
		return "running", nil
	}
	return "installed but not running", nil
}
