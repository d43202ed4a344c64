// Package main provides the entry point for the mapfree CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/mapfree/cmd/mapfree/commands"
	"github.com/Sumatoshi-tech/mapfree/pkg/version"
)

func main() {
	version.InitBinaryVersion()

	rootCmd := &cobra.Command{
		Use:   "mapfree",
		Short: "MapFree - automatic photogrammetry pipeline",
		Long: `MapFree reconstructs 3D models and mapping products from plain
image folders. Hardware detection, profile selection, dataset chunking,
and crash recovery are automatic.

Commands:
  run       Run the full pipeline on an image folder
  status    Inspect a project workspace and its resume state
  hardware  Show detected capacity and the selected profile
  export    Copy finished products out of a workspace
  report    Render an HTML report from a run's event journal`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewHardwareCommand())
	rootCmd.AddCommand(commands.NewExportCommand())
	rootCmd.AddCommand(commands.NewReportCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "mapfree %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
