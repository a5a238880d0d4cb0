package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	// DefaultVersion is the default version of sbmpi
	DefaultVersion = "0.1.0"
)

// GetVersion returns the version of sbmpi
func GetVersion() string {
	return DefaultVersion
}

// GetVersionInfo returns detailed version information
func GetVersionInfo() map[string]string {
	return map[string]string{
		"version": DefaultVersion,
		"go":      runtime.Version(),
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := GetVersionInfo()
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "sbmpi version %s (%s %s/%s)\n",
			info["version"], info["go"], info["os"], info["arch"])
		return err
	},
}
