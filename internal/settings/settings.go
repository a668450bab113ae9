// Package settings persists user preferences toggled at runtime from the
// tray or the API. Static configuration lives in package config.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting  bool `json:"crashReporting"`  // opt-in Sentry reports
	InjectionPaused bool `json:"injectionPaused"` // cards are read but not typed
}

var (
	current  *Settings
	mu       sync.RWMutex
	filePath string // overrides the default location when set
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{}
}

// SetPath stores settings at path instead of the user config directory.
func SetPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	filePath = path
	current = nil
}

func settingsPath() (string, error) {
	if filePath != "" {
		return filePath, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "nfc-wedge", "settings.json"), nil
}

// Load reads settings from disk. Defaults are kept when the file is missing
// or unreadable; the error is still returned in the latter case.
func Load() (Settings, error) {
	mu.Lock()
	defer mu.Unlock()
	return loadLocked()
}

func loadLocked() (Settings, error) {
	current = DefaultSettings()

	path, err := settingsPath()
	if err != nil {
		return *current, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return *current, nil
		}
		return *current, err
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return *current, err
	}
	current = &s
	return s, nil
}

func saveLocked() error {
	path, err := settingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Get returns a copy of the current settings, loading them on first use.
func Get() Settings {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return *current
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		loadLocked()
	}
	return *current
}

// Update applies fn to the settings and saves them.
func Update(fn func(*Settings)) (Settings, error) {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		loadLocked()
	}
	next := *current
	fn(&next)
	current = &next
	return next, saveLocked()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	_, err := Update(func(s *Settings) { s.CrashReporting = enabled })
	return err
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}

// SetInjectionPaused pauses or resumes text injection and saves.
func SetInjectionPaused(paused bool) error {
	_, err := Update(func(s *Settings) { s.InjectionPaused = paused })
	return err
}

// IsInjectionPaused returns whether injection is paused.
func IsInjectionPaused() bool {
	return Get().InjectionPaused
}
