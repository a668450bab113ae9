package logging

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

var (
	sentryEnabled atomic.Bool
	// consent follows the crashReporting setting after startup. Turning
	// it off stops events without tearing down the client.
	consent atomic.Bool
)

// maxBreadcrumbs is how many recent log lines ride along with a report.
const maxBreadcrumbs = 30

// InitSentry initializes Sentry for crash reporting.
// Opt-in: enabled via user settings or NFC_WEDGE_SENTRY=1, disabled by NFC_WEDGE_SENTRY=0.
// NFC_WEDGE_SENTRY_DSN must name the project; without it nothing is sent.
// Returns true if Sentry was successfully initialized.
func InitSentry(version string, crashReportingEnabled bool) bool {
	enabled := crashReportingEnabled
	switch os.Getenv("NFC_WEDGE_SENTRY") {
	case "1":
		enabled = true
	case "0":
		enabled = false
	}
	if !enabled {
		return false
	}

	dsn := os.Getenv("NFC_WEDGE_SENTRY_DSN")
	if dsn == "" {
		Warn(CatSystem, "Crash reporting enabled but NFC_WEDGE_SENTRY_DSN is not set", nil)
		return false
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "nfc-wedge@" + version,
		Environment:      environment(),
		AttachStacktrace: true,
		MaxBreadcrumbs:   maxBreadcrumbs,
		BeforeSend:       beforeSend,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}

	consent.Store(true)
	sentryEnabled.Store(true)
	return true
}

func environment() string {
	if env := os.Getenv("NFC_WEDGE_ENVIRONMENT"); env != "" {
		return env
	}
	return "production"
}

// SetCrashReportingConsent records a runtime change of the crash reporting
// setting. It cannot enable a client that was never initialized.
func SetCrashReportingConsent(enabled bool) {
	consent.Store(enabled)
}

func beforeSend(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if !consent.Load() {
		return nil
	}
	return event
}

// SentryEnabled reports whether events are currently sent.
func SentryEnabled() bool {
	return sentryEnabled.Load() && consent.Load()
}

// FlushSentry flushes any buffered events to Sentry.
// Call this before application exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled.Load() {
		sentry.Flush(timeout)
	}
}

func breadcrumbLevel(level Level) sentry.Level {
	switch level {
	case LevelDebug:
		return sentry.LevelDebug
	case LevelWarn:
		return sentry.LevelWarning
	case LevelError:
		return sentry.LevelError
	default:
		return sentry.LevelInfo
	}
}

// addBreadcrumb records a log line for the next report. Debug lines are
// too chatty to keep.
func addBreadcrumb(level Level, cat Category, msg string) {
	if level < LevelInfo || !SentryEnabled() {
		return
	}
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Category:  string(cat),
		Message:   msg,
		Level:     breadcrumbLevel(level),
		Timestamp: time.Now(),
	})
}

// CapturePanic sends a panic to Sentry along with the stack trace.
func CapturePanic(panicValue any, stack []byte, context string) {
	if !SentryEnabled() {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", context)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		switch v := panicValue.(type) {
		case error:
			sentry.CaptureException(v)
		default:
			sentry.CaptureMessage(fmt.Sprint(v))
		}
	})

	// The process may be about to exit.
	sentry.Flush(2 * time.Second)
}

// reportedError extracts the "error" log field, which callers pass either
// as an error or as its message.
func reportedError(fields map[string]any) error {
	switch v := fields["error"].(type) {
	case error:
		return v
	case string:
		if v != "" {
			return errors.New(v)
		}
	}
	return nil
}

// CaptureError sends an error to Sentry with the remaining log fields as
// extras.
func CaptureError(err error, context string, data map[string]any) {
	if !SentryEnabled() || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("category", context)
		for k, v := range data {
			if k == "error" {
				continue
			}
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}
