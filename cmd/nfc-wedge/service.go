package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/nfc-wedge/internal/service"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Start nfc-wedge automatically at login",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := service.New().Install()
		if errors.Is(err, service.ErrAlreadyInstalled) {
			fmt.Fprintln(cmd.OutOrStdout(), "Auto-start is already enabled")
			return nil
		}
		if err != nil {
			return fmt.Errorf("install auto-start: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Auto-start enabled")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop starting nfc-wedge at login",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := service.New().Uninstall()
		if errors.Is(err, service.ErrNotInstalled) {
			fmt.Fprintln(cmd.OutOrStdout(), "Auto-start is not enabled")
			return nil
		}
		if err != nil {
			return fmt.Errorf("remove auto-start: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Auto-start removed")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether auto-start is installed and running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := service.New().Status()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd, uninstallCmd, statusCmd)
}
