package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// MaxCrashLogs is the maximum number of crash logs to keep
	MaxCrashLogs = 20
	// CrashLogMaxAge is the maximum age of crash logs before cleanup
	CrashLogMaxAge = 30 * 24 * time.Hour

	crashPrefix = "crash_"
	crashSuffix = ".log"
)

var (
	crashDirMu       sync.RWMutex
	crashDirOverride string
)

// SetCrashLogDir redirects crash logs to dir. Empty restores the platform default.
func SetCrashLogDir(dir string) {
	crashDirMu.Lock()
	crashDirOverride = dir
	crashDirMu.Unlock()
}

// CrashLogDir returns the directory for crash logs based on the platform.
func CrashLogDir() string {
	crashDirMu.RLock()
	override := crashDirOverride
	crashDirMu.RUnlock()
	if override != "" {
		return override
	}

	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "NFC-Wedge")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData, _ = os.UserHomeDir()
		}
		return filepath.Join(appData, "NFC-Wedge", "logs")
	default:
		if state := os.Getenv("XDG_STATE_HOME"); state != "" {
			return filepath.Join(state, "nfc-wedge", "logs")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "state", "nfc-wedge", "logs")
	}
}

func isCrashLog(name string) bool {
	return strings.HasPrefix(name, crashPrefix) && strings.HasSuffix(name, crashSuffix)
}

// WriteCrashLog writes a crash report to a timestamped file and returns its path.
// Old reports are pruned in the background.
func WriteCrashLog(panicValue any, stack []byte) (string, error) {
	dir := CrashLogDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create crash log directory: %w", err)
	}

	now := time.Now()
	path := filepath.Join(dir, crashPrefix+now.Format("2006-01-02_15-04-05.000")+crashSuffix)

	var b strings.Builder
	b.WriteString("NFC Wedge Crash Report\n")
	b.WriteString("======================\n")
	fmt.Fprintf(&b, "Time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(&b, "OS/Arch: %s/%s\n\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "Panic Value:\n%v\n\n", panicValue)
	fmt.Fprintf(&b, "Stack Trace:\n%s\n\n", stack)
	fmt.Fprintf(&b, "Build Info:\n%s\n", buildInfo())

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write crash log: %w", err)
	}

	go pruneCrashLogs(dir, time.Now())

	return path, nil
}

func buildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "Build info not available"
	}
	return info.String()
}

// RecoverAndLog recovers from a panic, records it and optionally re-panics.
// Use this as: defer logging.RecoverAndLog("context", true)
func RecoverAndLog(context string, rePanic bool) {
	if r := recover(); r != nil {
		handlePanic(r, context, rePanic, nil)
	}
}

// RecoverAndLogFunc is like RecoverAndLog but calls onPanic before optionally re-panicking.
func RecoverAndLogFunc(context string, rePanic bool, onPanic func(panicValue any, crashFile string)) {
	if r := recover(); r != nil {
		handlePanic(r, context, rePanic, onPanic)
	}
}

func handlePanic(r any, context string, rePanic bool, onPanic func(any, string)) {
	stack := debug.Stack()

	CapturePanic(r, stack, context)

	Error(CatSystem, fmt.Sprintf("PANIC in %s: %v", context, r), map[string]any{
		"panic": fmt.Sprintf("%v", r),
		"stack": string(stack),
	})

	crashFile, err := WriteCrashLog(r, stack)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
		crashFile = ""
	} else {
		fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", crashFile)
	}

	fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, r, stack)

	if onPanic != nil {
		onPanic(r, crashFile)
	}
	if rePanic {
		panic(r)
	}
}

// CrashLogInfo contains metadata about a crash log file.
type CrashLogInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// GetCrashLogs returns up to limit crash logs, newest first.
func GetCrashLogs(limit int) ([]CrashLogInfo, error) {
	dir := CrashLogDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CrashLogInfo{}, nil
		}
		return nil, err
	}

	logs := []CrashLogInfo{}
	// ReadDir sorts by name and names embed the timestamp.
	for i := len(entries) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := entries[i]
		if entry.IsDir() || !isCrashLog(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logs = append(logs, CrashLogInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return logs, nil
}

// ReadCrashLog reads one crash log by file name.
func ReadCrashLog(filename string) (string, error) {
	if filepath.Base(filename) != filename || !isCrashLog(filename) {
		return "", fmt.Errorf("invalid filename")
	}
	content, err := os.ReadFile(filepath.Join(CrashLogDir(), filename))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// pruneCrashLogs keeps at most MaxCrashLogs reports and removes any older
// than CrashLogMaxAge.
func pruneCrashLogs(dir string, now time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var logs []os.DirEntry
	for _, entry := range entries {
		if !entry.IsDir() && isCrashLog(entry.Name()) {
			logs = append(logs, entry)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Name() < logs[j].Name() })

	for i, entry := range logs {
		remove := len(logs)-i > MaxCrashLogs
		if info, err := entry.Info(); err == nil && now.Sub(info.ModTime()) > CrashLogMaxAge {
			remove = true
		}
		if remove {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}
