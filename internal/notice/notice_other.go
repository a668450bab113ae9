//go:build !windows && !darwin && !linux

package notice

import (
	"fmt"
	"os"
)

// Show writes the message to stderr.
func Show(title, message string) error {
	_, err := fmt.Fprintf(os.Stderr, "%s: %s\n", title, message)
	return err
}
