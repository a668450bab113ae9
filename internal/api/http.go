package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
	"github.com/SimplyPrint/nfc-wedge/internal/history"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/SimplyPrint/nfc-wedge/internal/service"
	"github.com/SimplyPrint/nfc-wedge/internal/settings"
	"github.com/SimplyPrint/nfc-wedge/internal/updater"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	if Version != "" {
		return
	}
	Version = "dev"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var revision string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			BuildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision != "" {
		GitCommit = revision
		if len(revision) > 7 {
			revision = revision[:7]
		}
		Version = "dev-" + revision
		if modified {
			Version += "-dirty"
		}
	}
}

// Status is the live state the API reports.
type Status interface {
	State() core.ScannerState
	Readers() []string
	LastCard() (core.CardRecord, bool)
	InjectionEnabled() bool
}

// History is the read history the API serves.
type History interface {
	Recent(ctx context.Context, n int) ([]history.Entry, error)
	Clear(ctx context.Context) error
}

// Updates checks for newer releases.
type Updates interface {
	Check(ctx context.Context, forceRefresh bool) *updater.UpdateInfo
}

// Options wires the server to the rest of the agent. Everything but Status
// may be nil.
type Options struct {
	Status   Status
	History  History
	Hub      *Hub
	Service  service.Service
	Updates  Updates
	Shutdown func()

	// AllowedOrigins lists browser origins, such as
	// "https://simplyprint.io", that may call the API. None by default.
	AllowedOrigins []string
}

// Server serves the local status API.
type Server struct {
	opts Options
	mux  *http.ServeMux
}

// NewServer builds the API routes.
func NewServer(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Status)
	}
	policy := newOriginPolicy(opts.AllowedOrigins)
	opts.Hub.origins = policy
	guard := policy.middleware
	s := &Server{opts: opts, mux: http.NewServeMux()}

	s.mux.HandleFunc("/v1/status", guard(s.handleStatus))
	s.mux.HandleFunc("/v1/readers", guard(s.handleReaders))
	s.mux.HandleFunc("/v1/history", guard(s.handleHistory))
	s.mux.HandleFunc("/v1/version", guard(handleVersion))
	s.mux.HandleFunc("/v1/update", guard(s.handleUpdate))
	s.mux.HandleFunc("/v1/health", guard(s.handleHealth))
	s.mux.HandleFunc("/v1/logs", guard(handleLogs))
	s.mux.HandleFunc("/v1/crashes", guard(handleCrashes))
	s.mux.HandleFunc("/v1/settings", guard(s.handleSettings))
	s.mux.HandleFunc("/v1/autostart", guard(s.handleAutostart))
	s.mux.HandleFunc("/v1/shutdown", guard(s.handleShutdown))
	s.mux.HandleFunc("/v1/ws", s.opts.Hub.ServeHTTP)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the event hub behind /v1/ws.
func (s *Server) Hub() *Hub {
	return s.opts.Hub
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.opts.Hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		defer logging.RecoverAndLog("http-server", false)
		errCh <- srv.Serve(ln)
	}()
	logging.Info(logging.CatHTTP, "API listening", map[string]any{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				where := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				logging.CapturePanic(rec, stack, where)
				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", where, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
				}
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // header already sent
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

// queryInt parses a positive integer query parameter, clamped to max.
func queryInt(r *http.Request, key string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// StatusResponse is the body of GET /v1/status and the first message on
// every websocket connection.
type StatusResponse struct {
	State     core.ScannerState `json:"state"`
	Readers   []string          `json:"readers"`
	LastCard  *core.CardRecord  `json:"lastCard,omitempty"`
	Injection struct {
		Enabled bool `json:"enabled"`
		Paused  bool `json:"paused"`
	} `json:"injection"`
	Version string `json:"version"`
}

func buildStatus(st Status) StatusResponse {
	var resp StatusResponse
	resp.Version = Version
	resp.Readers = []string{}
	resp.Injection.Paused = settings.IsInjectionPaused()
	if st == nil {
		return resp
	}
	resp.State = st.State()
	if readers := st.Readers(); readers != nil {
		resp.Readers = readers
	}
	if rec, ok := st.LastCard(); ok {
		resp.LastCard = &rec
	}
	resp.Injection.Enabled = st.InjectionEnabled()
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	respondJSON(w, http.StatusOK, buildStatus(s.opts.Status))
}

func (s *Server) handleReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	respondJSON(w, http.StatusOK, buildStatus(s.opts.Status).Readers)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "history disabled"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		entries, err := s.opts.History.Recent(r.Context(), queryInt(r, "limit", 50, history.DefaultLimit))
		if err != nil {
			logging.Warn(logging.CatHTTP, "History query failed", map[string]any{"error": err.Error()})
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read history"})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})

	case http.MethodDelete:
		if err := s.opts.History.Clear(r.Context()); err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"success": "history cleared"})

	default:
		methodNotAllowed(w)
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.opts.Updates == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "update check disabled"})
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	respondJSON(w, http.StatusOK, s.opts.Updates.Check(r.Context(), force))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	st := buildStatus(s.opts.Status)
	status, code := "ok", http.StatusOK
	if st.State == core.StateFaulted {
		status, code = "faulted", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":      status,
		"state":       st.State,
		"readerCount": len(st.Readers),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.opts.Shutdown == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutdown not available"})
		return
	}
	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{"success": "shutting down"})
	go s.opts.Shutdown()
}

func (s *Server) handleAutostart(w http.ResponseWriter, r *http.Request) {
	svc := s.opts.Service
	if svc == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "autostart not available"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		status, _ := svc.Status()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": svc.IsInstalled(),
			"status":  status,
		})

	case http.MethodPost:
		err := svc.Install()
		if errors.Is(err, service.ErrAlreadyInstalled) {
			respondJSON(w, http.StatusOK, map[string]string{"success": "auto-start already enabled"})
			return
		}
		if err != nil {
			logging.Error(logging.CatSystem, "Failed to enable auto-start", map[string]any{"error": err})
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		logging.Info(logging.CatSystem, "Auto-start enabled via API", nil)
		respondJSON(w, http.StatusOK, map[string]string{"success": "auto-start enabled"})

	case http.MethodDelete:
		err := svc.Uninstall()
		if errors.Is(err, service.ErrNotInstalled) {
			respondJSON(w, http.StatusOK, map[string]string{"success": "auto-start already disabled"})
			return
		}
		if err != nil {
			logging.Error(logging.CatSystem, "Failed to disable auto-start", map[string]any{"error": err})
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		logging.Info(logging.CatSystem, "Auto-start disabled via API", nil)
		respondJSON(w, http.StatusOK, map[string]string{"success": "auto-start disabled"})

	default:
		methodNotAllowed(w)
	}
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		limit := queryInt(r, "limit", 100, 1000)

		var minLevel *logging.Level
		if l, ok := logging.ParseLevel(query.Get("level")); ok {
			minLevel = &l
		}
		var category *logging.Category
		if c := query.Get("category"); c != "" {
			cat := logging.Category(c)
			category = &cat
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": logging.Get().GetEntries(limit, minLevel, category),
			"stats":   logging.Get().Stats(),
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{"success": "logs cleared"})

	default:
		methodNotAllowed(w)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	if filename := r.URL.Query().Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{"error": "crash log not found: " + err.Error()})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	logs, err := logging.GetCrashLogs(queryInt(r, "limit", 20, 100))
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list crash logs: " + err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleSettings reads and updates the persisted user preferences.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, settings.Get())

	case http.MethodPost:
		var req struct {
			CrashReporting  *bool `json:"crashReporting"`
			InjectionPaused *bool `json:"injectionPaused"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
			return
		}

		updated, err := settings.Update(func(st *settings.Settings) {
			if req.CrashReporting != nil {
				st.CrashReporting = *req.CrashReporting
			}
			if req.InjectionPaused != nil {
				st.InjectionPaused = *req.InjectionPaused
			}
		})
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save settings: " + err.Error()})
			return
		}
		if req.CrashReporting != nil {
			logging.SetCrashReportingConsent(updated.CrashReporting)
		}
		if req.InjectionPaused != nil {
			logging.Info(logging.CatSystem, "Injection pause changed via API", map[string]any{"paused": updated.InjectionPaused})
			s.opts.Hub.BroadcastStatus()
		}
		respondJSON(w, http.StatusOK, updated)

	default:
		methodNotAllowed(w)
	}
}
