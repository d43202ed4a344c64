package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/mapfree/internal/colmapdb"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/internal/state"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
)

// StatusCommand holds configuration for the status command.
type StatusCommand struct {
	showConfig bool
	configPath string
}

// NewStatusCommand creates the workspace status command.
func NewStatusCommand() *cobra.Command {
	sc := &StatusCommand{}

	cmd := &cobra.Command{
		Use:   "status [project]",
		Short: "Show resume state and artifacts of a project workspace",
		Long: "Inspect a project workspace without running anything: which\n" +
			"pipeline steps are recorded as done, per-chunk progress, feature\n" +
			"database counts, and the artifacts present on disk.",
		Args: cobra.MaximumNArgs(1),
		RunE: sc.run,
	}

	cmd.Flags().BoolVar(&sc.showConfig, "show-config", false, "Print the effective configuration")
	cmd.Flags().StringVarP(&sc.configPath, "config", "c", "", "YAML config path (default: MAPFREE_CONFIG, then config.yaml)")

	return cmd
}

func (sc *StatusCommand) run(cmd *cobra.Command, args []string) error {
	projectPath, err := filepath.Abs(argOrDefault(args, "."))
	if err != nil {
		return fmt.Errorf("resolve project path: %w", err)
	}

	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Project: %s\n\n", projectPath)

	doc := state.Load(projectPath)
	printSteps(out, doc)
	printChunks(out, doc)
	printDatabaseStats(cmd.Context(), out, projectPath)
	printArtifacts(out, projectPath)

	if sc.showConfig {
		err = sc.printConfig(out)
		if err != nil {
			return err
		}
	}

	return nil
}

func printSteps(out io.Writer, doc state.Document) {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Step", "Status"})

	for _, step := range state.PipelineSteps() {
		status := "pending"
		if doc.Steps[step] {
			status = "done"
		}

		tbl.AppendRow(table.Row{step, status})
	}

	fmt.Fprintf(out, "Pipeline steps:\n%s\n\n", tbl.Render())
}

func printChunks(out io.Writer, doc state.Document) {
	if len(doc.Chunks) == 0 {
		return
	}

	steps := state.ChunkSteps()

	header := table.Row{"Chunk"}
	for _, step := range steps {
		header = append(header, step)
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(header)

	names := make([]string, 0, len(doc.Chunks))
	for name := range doc.Chunks {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		flags := doc.Chunks[name]

		row := table.Row{name}
		for _, step := range steps {
			mark := "no"
			if flags[step] {
				mark = "yes"
			}

			row = append(row, mark)
		}

		tbl.AppendRow(row)
	}

	fmt.Fprintf(out, "Chunks:\n%s\n\n", tbl.Render())
}

// printDatabaseStats renders feature database counts when the database
// exists. Read failures are reported inline rather than failing the whole
// status view.
func printDatabaseStats(ctx context.Context, out io.Writer, projectPath string) {
	dbPath := filepath.Join(projectPath, project.DatabaseFileName)

	_, err := os.Stat(dbPath)
	if err != nil {
		return
	}

	stats, err := colmapdb.ReadStats(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(out, "Feature database: unreadable (%v)\n\n", err)

		return
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Metric", "Count"})
	tbl.AppendRow(table.Row{"Images", humanize.Comma(int64(stats.Images))})
	tbl.AppendRow(table.Row{"Cameras", humanize.Comma(int64(stats.Cameras))})
	tbl.AppendRow(table.Row{"Keypoints", humanize.Comma(stats.Keypoints)})
	tbl.AppendRow(table.Row{"Matched pairs", humanize.Comma(int64(stats.MatchedPairs))})
	tbl.AppendRow(table.Row{"Verified pairs", humanize.Comma(int64(stats.VerifiedPairs))})

	fmt.Fprintf(out, "Feature database:\n%s\n\n", tbl.Render())
}

func printArtifacts(out io.Writer, projectPath string) {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Artifact", "Status"})

	sparseDir, ok := sparseModelLocation(projectPath)
	sparseStatus := "missing"
	if ok {
		rel, err := filepath.Rel(projectPath, sparseDir)
		if err != nil {
			rel = sparseDir
		}

		sparseStatus = "valid (" + rel + ")"
	}

	tbl.AppendRow(table.Row{"Sparse model", sparseStatus})

	denseStatus := "missing"
	if project.DenseValid(filepath.Join(projectPath, project.DenseDirName)) {
		denseStatus = "valid"
	}

	tbl.AppendRow(table.Row{"Dense cloud", denseStatus})

	for _, product := range collectProducts(projectPath) {
		tbl.AppendRow(table.Row{product.path, humanize.IBytes(product.size)})
	}

	fmt.Fprintf(out, "Artifacts:\n%s\n", tbl.Render())
}

// sparseModelLocation finds a valid sparse model, preferring the merged
// model of a chunked run over the single-dataset layout.
func sparseModelLocation(projectPath string) (string, bool) {
	candidates := []string{
		filepath.Join(projectPath, project.MergedSparseDirName, "0"),
		filepath.Join(projectPath, project.SparseDirName, "0"),
		filepath.Join(projectPath, project.SparseDirName),
	}

	for _, dir := range candidates {
		if project.SparseModelValid(dir) {
			return dir, true
		}
	}

	return "", false
}

func (sc *StatusCommand) printConfig(out io.Writer) error {
	cfg, err := config.Load(sc.configPath)
	if err != nil {
		return err
	}

	data, err := cfg.YAML()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Configuration:\n%s", data)

	return nil
}
