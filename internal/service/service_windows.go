//go:build windows

package service

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sys/windows/registry"
)

const (
	runKeyPath = `Software\Microsoft\Windows\CurrentVersion\Run`
	runValue   = "NFC Wedge"
)

type windowsService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return &windowsService{}
}

func (s *windowsService) command() (string, error) {
	execPath, err := executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	return fmt.Sprintf("%q run", execPath), nil
}

func (s *windowsService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}
	cmd, err := s.command()
	if err != nil {
		return err
	}
	key, _, err := registry.CreateKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open Run key: %w", err)
	}
	defer key.Close()
	if err := key.SetStringValue(runValue, cmd); err != nil {
		return fmt.Errorf("failed to write Run value: %w", err)
	}
	return nil
}

func (s *windowsService) Uninstall() error {
	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return ErrNotInstalled
	}
	defer key.Close()
	if err := key.DeleteValue(runValue); err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return ErrNotInstalled
		}
		return fmt.Errorf("failed to delete Run value: %w", err)
	}
	return nil
}

func (s *windowsService) installedCommand() (string, bool) {
	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.QUERY_VALUE)
	if err != nil {
		return "", false
	}
	defer key.Close()
	v, _, err := key.GetStringValue(runValue)
	return v, err == nil
}

func (s *windowsService) IsInstalled() bool {
	_, ok := s.installedCommand()
	return ok
}

func (s *windowsService) Status() (string, error) {
	installed, ok := s.installedCommand()
	if !ok {
		return "not installed", nil
	}
	if cur, err := s.command(); err == nil && !strings.EqualFold(cur, installed) {
		return "installed (different executable)", nil
	}
	out, err := exec.Command("tasklist", "/FI", "IMAGENAME eq "+appName+".exe", "/NH").Output()
	if err == nil && strings.Contains(strings.ToLower(string(out)), appName+".exe") {
		return "running", nil
	}
	return "installed but not running", nil
}
