package commands

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/mapfree/internal/controller"
)

// exportAllKeyword exports the full geospatial raster trio at once.
const exportAllKeyword = "all"

// ExportCommand holds configuration for the export command.
type ExportCommand struct {
	output  string
	noColor bool
}

// NewExportCommand creates the product export command.
func NewExportCommand() *cobra.Command {
	ec := &ExportCommand{}

	cmd := &cobra.Command{
		Use:   "export <product> [project]",
		Short: "Copy a finished product out of a project workspace",
		Long: "Copy one reconstruction product to a destination path.\n" +
			"Geospatial rasters prefer their reprojected variant when both\n" +
			"exist.\n\n" +
			"Products: " + productList() + ", or \"all\" for the dtm/dsm/orthophoto trio.",
		Args: cobra.RangeArgs(1, 2),
		RunE: ec.run,
	}

	cmd.Flags().StringVarP(&ec.output, "output", "o", "", "Destination file or directory (default: current directory)")
	cmd.Flags().BoolVar(&ec.noColor, "no-color", false, "Disable colored output")

	return cmd
}

func (ec *ExportCommand) run(cmd *cobra.Command, args []string) error {
	if ec.noColor {
		color.NoColor = true
	}

	projectArg := "."
	if len(args) > 1 {
		projectArg = args[1]
	}

	projectPath, err := filepath.Abs(projectArg)
	if err != nil {
		return fmt.Errorf("resolve project path: %w", err)
	}

	dest := ec.output
	if dest == "" {
		dest = "."
	}

	out := cmd.OutOrStdout()
	name := strings.ToLower(strings.TrimSpace(args[0]))

	if name == exportAllKeyword {
		written, err := controller.ExportAll(projectPath, dest)
		if err != nil {
			return err
		}

		paths := make([]string, 0, len(written))
		for _, path := range written {
			paths = append(paths, path)
		}

		sort.Strings(paths)

		for _, path := range paths {
			color.New(color.FgGreen).Fprintf(out, "Exported: %s\n", path)
		}

		return nil
	}

	written, err := controller.CopyProduct(projectPath, controller.Product(name), dest)
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Fprintf(out, "Exported: %s\n", written)

	return nil
}

func productList() string {
	products := controller.Products()

	names := make([]string, len(products))
	for i, product := range products {
		names[i] = string(product)
	}

	return strings.Join(names, ", ")
}
