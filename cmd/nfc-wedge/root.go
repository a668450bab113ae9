package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/nfc-wedge/internal/api"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

var rootFlags struct {
	configPath string
	noTray     bool
}

var rootCmd = &cobra.Command{
	Use:   "nfc-wedge",
	Short: "Types NFC card text into the focused window",
	Long: `nfc-wedge watches the attached PC/SC readers, reads the text stored on
NTAG and MIFARE Classic cards and types it into whatever window has focus,
like a keyboard wedge barcode scanner.

Running without a command is the same as "nfc-wedge run".

Environment variables:
  NFC_WEDGE_HOST         Status API host (default: 127.0.0.1)
  NFC_WEDGE_PORT         Status API port (default: 32145)
  NFC_WEDGE_METHOD       Injection method: auto, clipboard, keys or message
  NFC_WEDGE_LOG_LEVEL    Console log level (default: info)
  NFC_WEDGE_LOG_FORMAT   console or json (default: console)`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(1000, logging.LevelDebug)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Get().Sync()
	},
	RunE: runWedge,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.configPath, "config", "c", "", "config file (default: "+configPathHint()+")")
	rootCmd.Flags().BoolVar(&rootFlags.noTray, "no-tray", false, "run without system tray (headless mode)")
}

// Execute runs the command line.
func Execute() {
	rootCmd.Version = api.Version
	rootCmd.SetVersionTemplate(versionText())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionText() string {
	return fmt.Sprintf("nfc-wedge %s\nBuild time: %s\nGit commit: %s\n", api.Version, api.BuildTime, api.GitCommit)
}
