package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/mapfree/internal/hardware"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
	"github.com/Sumatoshi-tech/mapfree/pkg/safeconv"
)

// HardwareCommand holds configuration for the hardware command.
type HardwareCommand struct {
	configPath string
}

// NewHardwareCommand creates the hardware detection command.
func NewHardwareCommand() *cobra.Command {
	hc := &HardwareCommand{}

	cmd := &cobra.Command{
		Use:   "hardware",
		Short: "Detect host capacity and show the profile a run would use",
		Args:  cobra.NoArgs,
		RunE:  hc.run,
	}

	cmd.Flags().StringVarP(&hc.configPath, "config", "c", "", "YAML config path (default: MAPFREE_CONFIG, then config.yaml)")

	return cmd
}

func (hc *HardwareCommand) run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(hc.configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	snap := hardware.NewDetector(logger).Detect(cmd.Context())

	out := cmd.OutOrStdout()

	printCapacity(out, snap)
	printProfile(out, cfg, snap)

	return nil
}

func printCapacity(out io.Writer, snap hardware.Snapshot) {
	gpu := "no"
	if snap.HasGPU() {
		gpu = "yes"
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Resource", "Detected"})
	tbl.AppendRow(table.Row{"RAM", humanize.IBytes(uint64(snap.RAMGB * float64(humanize.GiByte)))})
	tbl.AppendRow(table.Row{"GPU", gpu})
	tbl.AppendRow(table.Row{"VRAM used", mibibytes(snap.VRAMUsedMB)})
	tbl.AppendRow(table.Row{"VRAM total", mibibytes(snap.VRAMTotalMB)})

	fmt.Fprintf(out, "Host capacity:\n%s\n\n", tbl.Render())
}

func printProfile(out io.Writer, cfg *config.Config, snap hardware.Snapshot) {
	tier := hardware.TierForVRAM(snap.VRAMTotalMB)
	profile := hardware.SelectProfile(cfg, snap.VRAMTotalMB)

	if cfg.ProfileOverride != "" {
		tier = cfg.ProfileOverride
		profile = hardware.ForcedProfile(cfg, cfg.ProfileOverride)
	}

	quality := profile.Quality
	if quality == "" {
		quality = config.RecommendQuality(snap.VRAMTotalMB)
	}

	gpu := "no"
	if profile.UseGPU {
		gpu = "yes"
	}

	chunkSize := hardware.ResolveChunkSize(cfg, 0, snap.VRAMTotalMB, snap.RAMGB)

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Setting", "Value"})
	tbl.AppendRow(table.Row{"Tier", tier})
	tbl.AppendRow(table.Row{"Profile", profile.Name})
	tbl.AppendRow(table.Row{"Matcher", profile.Matcher})
	tbl.AppendRow(table.Row{"Quality", quality})
	tbl.AppendRow(table.Row{"Max image size", profile.MaxImageSize})
	tbl.AppendRow(table.Row{"Max features", profile.MaxFeatures})
	tbl.AppendRow(table.Row{"GPU acceleration", gpu})
	tbl.AppendRow(table.Row{"Chunk size", chunkSize})

	fmt.Fprintf(out, "Run profile:\n%s\n", tbl.Render())
}

func mibibytes(mb int) string {
	if mb <= 0 {
		return "0 B"
	}

	return humanize.IBytes(safeconv.MustIntToUint64(mb) * humanize.MiByte)
}
