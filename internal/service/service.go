// Package service installs the wedge to start with the user session.
package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

const appName = "nfc-wedge"

var (
	ErrAlreadyInstalled = errors.New("autostart already installed")
	ErrNotInstalled     = errors.New("autostart not installed")
	ErrUnsupported      = errors.New("autostart not supported on this platform")
)

// Service manages the per-user autostart entry.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

// executable is replaced in tests.
var executable = func() (string, error) {
	p, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(p)
}

// writeTemplate renders tmpl with data into path, creating parent
// directories.
func writeTemplate(path string, tmpl *template.Template, data any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	err = tmpl.Execute(f, data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
