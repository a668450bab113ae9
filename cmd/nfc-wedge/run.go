package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/nfc-wedge/internal/agent"
	"github.com/SimplyPrint/nfc-wedge/internal/api"
	"github.com/SimplyPrint/nfc-wedge/internal/config"
	"github.com/SimplyPrint/nfc-wedge/internal/history"
	"github.com/SimplyPrint/nfc-wedge/internal/inject"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/SimplyPrint/nfc-wedge/internal/mqtt"
	"github.com/SimplyPrint/nfc-wedge/internal/service"
	"github.com/SimplyPrint/nfc-wedge/internal/settings"
	"github.com/SimplyPrint/nfc-wedge/internal/tray"
	"github.com/SimplyPrint/nfc-wedge/internal/updater"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scan cards and type their text (default)",
	Args:  cobra.NoArgs,
	RunE:  runWedge,
}

func init() {
	runCmd.Flags().BoolVar(&rootFlags.noTray, "no-tray", false, "run without system tray (headless mode)")
	rootCmd.AddCommand(runCmd)
}

func runWedge(cmd *cobra.Command, args []string) error {
	// Re-panic after logging; a crash in main is fatal.
	defer logging.RecoverAndLog("main", true)

	logging.Info(logging.CatSystem, "NFC Wedge starting", map[string]any{
		"version": api.Version,
	})

	if logging.InitSentry(api.Version, settings.IsCrashReportingEnabled()) {
		defer logging.FlushSentry(2 * time.Second)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := agent.Options{
		Open:     pcscOpener(cfg.Reader.Name),
		Platform: inject.NewPlatform(),
		Config:   cfg,
	}

	var hist api.History
	if cfg.History.Enabled {
		store, err := history.Open(cfg.HistoryPath(), cfg.History.Limit)
		if err != nil {
			logging.Warn(logging.CatHistory, "History disabled, database could not be opened", map[string]any{
				"path":  cfg.HistoryPath(),
				"error": err.Error(),
			})
		} else {
			defer store.Close()
			opts.History = store
			hist = store
		}
	}

	a := agent.New(opts)

	pub, err := mqtt.New(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if pub.Enabled() {
		defer pub.Close()
		a.AddSink(pub)
		go func() {
			if err := pub.Connect(ctx); err != nil {
				logging.Warn(logging.CatMQTT, "Initial broker connection failed, retrying in background", map[string]any{
					"error": err.Error(),
				})
			}
		}()
	}

	updates := updater.NewChecker(api.Version)
	hub := api.NewHub(a)
	a.AddSink(hub)
	srv := api.NewServer(api.Options{
		Status:   a,
		History:  hist,
		Hub:      hub,
		Service:  service.New(),
		Updates:  updates,
		Shutdown: stop,

		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	watcher := config.NewWatcher(configPath(), cfg, func(next *config.Config) {
		if err := next.ApplyEnvOverrides(); err != nil {
			logging.Warn(logging.CatSystem, "Ignoring environment overrides on reload", map[string]any{"error": err.Error()})
		}
		a.ApplyConfig(next)
		hub.BroadcastStatus()
	})
	if err := watcher.Start(ctx); err != nil {
		logging.Warn(logging.CatSystem, "Config file will not be reloaded", map[string]any{"error": err.Error()})
	}
	defer watcher.Close()

	addr := cfg.Server.Addr()
	serverErr := make(chan error, 1)
	agentDone := make(chan struct{})

	start := func() {
		go func() {
			defer logging.RecoverAndLog("http-server", false)
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				// Usually a second instance holding the port.
				logging.Error(logging.CatHTTP, "Status API failed, shutting down", map[string]any{"error": err.Error()})
				serverErr <- err
				stop()
			}
		}()
		a.Run(ctx)
		close(agentDone)
	}

	useTray := !rootFlags.noTray && tray.IsSupported()
	if useTray {
		logging.Info(logging.CatSystem, "Starting with system tray", nil)
		trayApp := tray.New(addr, a, updates, stop)
		a.AddSink(trayApp)
		go func() {
			<-ctx.Done()
			trayApp.Quit()
		}()
		// Blocks on the main thread until quit (required for macOS Cocoa).
		trayApp.RunWithServer(start)
		stop()
		<-agentDone
	} else {
		if rootFlags.noTray {
			logging.Info(logging.CatSystem, "Running in headless mode (no system tray)", nil)
		} else {
			logging.Info(logging.CatSystem, "System tray not supported on this platform, running headless", nil)
		}
		start()
	}

	logging.Info(logging.CatSystem, "NFC Wedge stopped", nil)
	select {
	case err := <-serverErr:
		return err
	default:
		return nil
	}
}
