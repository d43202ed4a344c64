// Package commands implements CLI command handlers for mapfree.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/internal/controller"
	"github.com/Sumatoshi-tech/mapfree/internal/geospatial"
	"github.com/Sumatoshi-tech/mapfree/internal/journal"
	"github.com/Sumatoshi-tech/mapfree/internal/pipeline"
	"github.com/Sumatoshi-tech/mapfree/internal/proc"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
	"github.com/Sumatoshi-tech/mapfree/pkg/observability"
	"github.com/Sumatoshi-tech/mapfree/pkg/safeconv"
	"github.com/Sumatoshi-tech/mapfree/pkg/version"
)

var (
	// ErrUnknownQuality is returned for a --quality value outside the presets.
	ErrUnknownQuality = errors.New("unknown quality preset (use high, medium, or low)")
	// ErrImagesNotADir is returned when the --images path is not a directory.
	ErrImagesNotADir = errors.New("images path is not a directory")
)

// RunCommand holds configuration for the run command.
type RunCommand struct {
	images       string
	quality      string
	profile      string
	chunkSize    int
	noGeospatial bool
	engine       string
	metricsAddr  string
	otlpEndpoint string
	configPath   string
	logLevel     string
	logJSON      bool
	noColor      bool
}

// NewRunCommand creates the pipeline run command.
func NewRunCommand() *cobra.Command {
	rc := &RunCommand{}

	cmd := &cobra.Command{
		Use:   "run [project]",
		Short: "Run the full pipeline on an image folder",
		Long: "Run reconstruction end to end: hardware detection, profile\n" +
			"selection, chunking, sparse and dense reconstruction, geospatial\n" +
			"products, and final results export. Interrupted runs resume from\n" +
			"the workspace state on the next invocation.",
		Args: cobra.MaximumNArgs(1),
		RunE: rc.run,
	}

	cmd.Flags().StringVarP(&rc.images, "images", "i", "", "Folder of source images (required)")
	cmd.Flags().StringVarP(&rc.quality, "quality", "q", "", "Quality preset: high, medium, low (default: from hardware)")
	cmd.Flags().StringVar(&rc.profile, "profile", "", "Force processing tier: HIGH, MEDIUM, LOW, CPU_SAFE")
	cmd.Flags().IntVar(&rc.chunkSize, "chunk-size", 0, "Max images per chunk (0 = resolve from hardware)")
	cmd.Flags().BoolVar(&rc.noGeospatial, "no-geospatial", false, "Skip DSM/DTM/orthophoto generation")
	cmd.Flags().StringVar(&rc.engine, "engine", "", "Dense engine: colmap, openmvs (default: from config)")
	cmd.Flags().StringVar(&rc.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().StringVar(&rc.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC collector address for traces and metrics")
	cmd.Flags().StringVarP(&rc.configPath, "config", "c", "", "YAML config path (default: MAPFREE_CONFIG, then config.yaml)")
	cmd.Flags().StringVar(&rc.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&rc.logJSON, "log-json", false, "JSON log output")
	cmd.Flags().BoolVar(&rc.noColor, "no-color", false, "Disable colored output")

	_ = cmd.MarkFlagRequired("images")

	return cmd
}

func (rc *RunCommand) run(cmd *cobra.Command, args []string) error {
	projectPath, err := filepath.Abs(argOrDefault(args, "."))
	if err != nil {
		return fmt.Errorf("resolve project path: %w", err)
	}

	imagePath, err := filepath.Abs(rc.images)
	if err != nil {
		return fmt.Errorf("resolve images path: %w", err)
	}

	info, err := os.Stat(imagePath)
	if err != nil {
		return fmt.Errorf("images folder: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrImagesNotADir, imagePath)
	}

	cfg, opts, err := rc.assemble()
	if err != nil {
		return err
	}

	if rc.noColor {
		color.NoColor = true
	}

	providers, err := observability.Init(rc.observabilityConfig(cfg))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownProviders(providers)

	logger := providers.Logger
	slog.SetDefault(logger)

	metrics, err := observability.NewPipelineMetrics(providers.Meter)
	if err != nil {
		logger.Warn("pipeline metrics unavailable", slog.Any("error", err))
	} else {
		opts.Metrics = metrics
	}

	opts.RunID = uuid.NewString()

	b := bus.New(logger)

	printer := newEventPrinter(cmd.OutOrStdout())
	printer.attach(b)
	defer printer.detach()

	recorder, err := journal.Attach(b, projectPath, opts.RunID, logger)
	if err != nil {
		logger.Warn("event journal unavailable", slog.Any("error", err))
	} else {
		defer closeJournal(recorder, logger)
	}

	ctrl := controller.New(cfg, b, logger)

	err = ctrl.Start(cmd.Context(), projectPath, imagePath, opts)
	if err != nil {
		return err
	}

	stopOnSignal(ctrl)

	err = ctrl.Wait()

	rc.printSummary(cmd.OutOrStdout(), printer.summary(), projectPath)

	if err != nil {
		if errors.Is(err, proc.ErrStopped) {
			color.New(color.FgYellow).Fprintln(cmd.OutOrStdout(),
				"Run stopped before completion; run again with the same project to resume.")

			return nil
		}

		return err
	}

	return nil
}

// assemble loads configuration and folds the command flags into it.
func (rc *RunCommand) assemble() (*config.Config, pipeline.Options, error) {
	cfg, err := config.Load(rc.configPath)
	if err != nil {
		return nil, pipeline.Options{}, err
	}

	quality := strings.ToLower(strings.TrimSpace(rc.quality))
	if quality != "" && !config.ValidQuality(quality) {
		return nil, pipeline.Options{}, fmt.Errorf("%w: %q", ErrUnknownQuality, rc.quality)
	}

	if rc.profile != "" {
		cfg.ProfileOverride = strings.ToUpper(strings.TrimSpace(rc.profile))
	}

	if rc.noGeospatial {
		cfg.Geospatial.Enabled = false
	}

	if rc.engine != "" {
		cfg.DenseEngine = config.NormalizeDenseEngine(rc.engine)
	}

	if rc.metricsAddr != "" {
		cfg.Observability.MetricsAddr = rc.metricsAddr
	}

	if rc.otlpEndpoint != "" {
		cfg.Observability.OTLPEndpoint = rc.otlpEndpoint
		cfg.Observability.Enabled = true
	}

	if rc.logLevel != "" {
		cfg.Logging.Level = rc.logLevel
	}

	if rc.logJSON {
		cfg.Logging.Format = "json"
	}

	opts := pipeline.Options{
		ChunkSize: rc.chunkSize,
		Quality:   quality,
	}

	return cfg, opts, nil
}

// observabilityConfig bridges the file configuration into telemetry setup.
func (rc *RunCommand) observabilityConfig(cfg *config.Config) observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version.Version
	oc.MetricsAddr = cfg.Observability.MetricsAddr
	oc.LogLevel = observability.ParseLogLevel(cfg.Logging.Level)
	oc.LogJSON = strings.EqualFold(cfg.Logging.Format, "json")

	if cfg.Observability.ServiceName != "" {
		oc.ServiceName = cfg.Observability.ServiceName
	}

	if cfg.Observability.Enabled {
		oc.OTLPEndpoint = cfg.Observability.OTLPEndpoint
	}

	return oc
}

// printSummary renders the stage table and the products found on disk.
func (rc *RunCommand) printSummary(out io.Writer, rows []stageRecord, projectPath string) {
	if len(rows) > 0 {
		tbl := table.NewWriter()
		tbl.SetStyle(table.StyleLight)
		tbl.AppendHeader(table.Row{"Stage", "Status", "Duration"})

		for _, row := range rows {
			duration := ""
			if row.duration > 0 {
				duration = row.duration.Round(time.Millisecond).String()
			}

			tbl.AppendRow(table.Row{row.stage, row.status, duration})
		}

		fmt.Fprintf(out, "\n%s\n", tbl.Render())
	}

	products := collectProducts(projectPath)
	if len(products) == 0 {
		return
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Product", "Size"})

	for _, product := range products {
		tbl.AppendRow(table.Row{product.path, humanize.IBytes(product.size)})
	}

	fmt.Fprintf(out, "\n%s\n", tbl.Render())
}

type productFile struct {
	path string
	size uint64
}

// collectProducts lists the exportable artifacts present in the workspace,
// paths relative to the project directory.
func collectProducts(projectPath string) []productFile {
	var products []productFile

	for _, product := range controller.Products() {
		for _, rel := range productCandidates(product) {
			full := filepath.Join(projectPath, rel)

			info, err := os.Stat(full)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}

			products = append(products, productFile{path: rel, size: safeconv.MustInt64ToUint64(info.Size())})

			break
		}
	}

	return products
}

// productCandidates lists a product's possible locations in preference
// order, relative to the project directory.
func productCandidates(product controller.Product) []string {
	switch product {
	case controller.ProductSparse:
		return []string{filepath.Join(project.FinalResultsDirName, pipeline.SparseExportName)}
	case controller.ProductDense:
		return []string{
			filepath.Join(project.FinalResultsDirName, pipeline.DenseExportName),
			filepath.Join(project.DenseDirName, project.FusedPointCloud),
		}
	case controller.ProductDSM:
		return rasterCandidates(geospatial.DSMEPSGTif, geospatial.DSMTif)
	case controller.ProductDTM:
		return rasterCandidates(geospatial.DTMEPSGTif, geospatial.DTMTif)
	case controller.ProductOrthophoto:
		return rasterCandidates(geospatial.OrthophotoEPSGTif, geospatial.OrthophotoTif)
	default:
		return nil
	}
}

func rasterCandidates(reprojected, original string) []string {
	return []string{
		filepath.Join(project.GeospatialDirName, reprojected),
		filepath.Join(project.GeospatialDirName, original),
	}
}

// stopOnSignal converts the first interrupt into a cooperative stop
// request. A second interrupt terminates the process the usual way.
func stopOnSignal(ctrl *controller.Controller) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}

		signal.Stop(sigCh)
		ctrl.Stop("signal: " + sig.String())
	}()
}

func shutdownProviders(providers observability.Providers) {
	if providers.Shutdown == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = providers.Shutdown(ctx)
}

func closeJournal(recorder *journal.Recorder, logger *slog.Logger) {
	err := recorder.Close()
	if err != nil {
		logger.Warn("archive event journal", slog.Any("error", err))
	}
}

func argOrDefault(args []string, fallback string) string {
	if len(args) > 0 {
		return args[0]
	}

	return fallback
}
