//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

// The wedge types into the focused window, so it has to run inside the
// graphical session; an XDG autostart entry guarantees that.
var desktopTemplate = template.Must(template.New("desktop").Parse(`[Desktop Entry]
Type=Application
Name=NFC Wedge
Comment=Types NFC card text into the focused window
Exec={{.ExecutablePath}} run
Icon=nfc-wedge
Terminal=false
Categories=Utility;
StartupNotify=false
X-GNOME-Autostart-enabled=true
`))

type linuxService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return &linuxService{}
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

func (s *linuxService) autostartPath() string {
	return filepath.Join(configHome(), "autostart", appName+".desktop")
}

// systemdUnitPath is where an older manual install may have put a user unit.
func (s *linuxService) systemdUnitPath() string {
	return filepath.Join(configHome(), "systemd", "user", appName+".service")
}

func (s *linuxService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}
	execPath, err := executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	return writeTemplate(s.autostartPath(), desktopTemplate, struct{ ExecutablePath string }{execPath})
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}
	if err := os.Remove(s.autostartPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove autostart file: %w", err)
	}
	s.removeSystemdUnit()
	return nil
}

func (s *linuxService) removeSystemdUnit() {
	unit := s.systemdUnitPath()
	if _, err := os.Stat(unit); err != nil {
		return
	}
	exec.Command("systemctl", "--user", "disable", "--now", appName+".service").Run()
	os.Remove(unit)
	exec.Command("systemctl", "--user", "daemon-reload").Run()
}

func (s *linuxService) IsInstalled() bool {
	for _, p := range []string{s.autostartPath(), s.systemdUnitPath()} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

func (s *linuxService) Status() (string, error) {
	var methods []string
	if _, err := os.Stat(s.autostartPath()); err == nil {
		methods = append(methods, "autostart")
	}
	if _, err := os.Stat(s.systemdUnitPath()); err == nil {
		methods = append(methods, "systemd")
	}
	if len(methods) == 0 {
		return "not installed", nil
	}
	if err := exec.Command("pgrep", "-x", appName).Run(); err == nil {
		return fmt.Sprintf("running (%s)", strings.Join(methods, ", ")), nil
	}
	return fmt.Sprintf("installed (%s) but not running", strings.Join(methods, ", ")), nil
}
