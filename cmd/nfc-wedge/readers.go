package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
	"github.com/SimplyPrint/nfc-wedge/internal/notice"
)

var readersCmd = &cobra.Command{
	Use:   "readers",
	Short: "List the attached card readers and any card on them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		gw, err := pcscOpener(cfg.Reader.Name)()
		if err != nil {
			return explain(err)
		}
		defer gw.Close()
		return printReaders(cmd.OutOrStdout(), gw)
	},
}

// printReaders lists readers and classifies the card on each one. A reader
// that refuses a connection is reported as empty.
func printReaders(out io.Writer, gw core.Gateway) error {
	readers, err := gw.ListReaders()
	if err != nil {
		return explain(err)
	}
	if len(readers) == 0 {
		fmt.Fprintln(out, "No readers found")
		return nil
	}
	for _, r := range readers {
		fmt.Fprintln(out, r)
		session, err := gw.Connect(r)
		if err != nil {
			fmt.Fprintln(out, "  no card")
			continue
		}
		atr := session.ATR()
		session.Close()

		c := core.ClassifyATR(atr)
		card := c.Family.String()
		if c.Subtype != "" {
			card += " (" + c.Subtype + ")"
		}
		if c.MemorySize > 0 {
			card += fmt.Sprintf(", %d bytes", c.MemorySize)
		}
		fmt.Fprintf(out, "  card: %s\n  ATR:  % X\n", card, atr)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(readersCmd)
}

// pcscOpener opens the PC/SC gateway, limited to readers whose name
// contains filter.
func pcscOpener(filter string) func() (core.Gateway, error) {
	return func() (core.Gateway, error) {
		gw, err := core.NewPCSCGateway(core.DefaultContextFactory{})
		if err != nil {
			return nil, err
		}
		gw.SetReaderFilter(filter)
		return gw, nil
	}
}

// explain adds the user-facing notice text to start-up errors.
func explain(err error) error {
	if _, body, ok := notice.Message(err); ok {
		return fmt.Errorf("%w\n\n%s", err, body)
	}
	return err
}
