package commands

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/internal/journal"
)

// ReportCommand holds configuration for the report command.
type ReportCommand struct {
	output  string
	noColor bool
}

// NewReportCommand creates the run report command.
func NewReportCommand() *cobra.Command {
	rc := &ReportCommand{}

	cmd := &cobra.Command{
		Use:   "report [project]",
		Short: "Render an HTML report from the run's event journal",
		Long: "Replay the event journal of a project workspace and render\n" +
			"stage durations, the VRAM timeline, and the progress curve as an\n" +
			"HTML page. The report covers the most recent run in the journal.",
		Args: cobra.MaximumNArgs(1),
		RunE: rc.run,
	}

	cmd.Flags().StringVarP(&rc.output, "output", "o", "report.html", "Report file to write")
	cmd.Flags().BoolVar(&rc.noColor, "no-color", false, "Disable colored output")

	return cmd
}

func (rc *ReportCommand) run(cmd *cobra.Command, args []string) error {
	if rc.noColor {
		color.NoColor = true
	}

	projectPath, err := filepath.Abs(argOrDefault(args, "."))
	if err != nil {
		return fmt.Errorf("resolve project path: %w", err)
	}

	journalPath, err := journal.Find(projectPath)
	if err != nil {
		return err
	}

	entries, err := journal.Replay(journalPath)
	if err != nil {
		return err
	}

	digest := digestJournal(entries)
	if len(digest.stages) == 0 && len(digest.vram) == 0 && len(digest.progress) == 0 {
		return fmt.Errorf("journal %s holds no renderable events", journalPath)
	}

	file, err := os.Create(rc.output)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer file.Close()

	err = renderReport(file, digest)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}

	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Report written: %s\n", rc.output)

	return nil
}

type stageSpan struct {
	stage    string
	duration time.Duration
}

type vramPoint struct {
	elapsed time.Duration
	usedMB  int
	totalMB int
}

type progressPoint struct {
	elapsed time.Duration
	percent int
}

type runDigest struct {
	runID      string
	imageCount int
	duration   time.Duration
	failure    string
	stages     []stageSpan
	vram       []vramPoint
	progress   []progressPoint
}

// digestJournal reduces the raw event stream to chartable series. A
// journal can hold several appended runs; only the last one is kept.
func digestJournal(entries []journal.Entry) runDigest {
	entries = lastRunEntries(entries)

	digest := runDigest{}

	var (
		runStart     time.Time
		stageStarts  = make(map[string]time.Time)
		haveRunStart bool
	)

	for _, entry := range entries {
		if !haveRunStart {
			runStart = entry.Time
			haveRunStart = true
		}

		switch entry.Name {
		case bus.EventPipelineStarted:
			var payload bus.PipelineStarted
			if entry.Decode(&payload) == nil {
				digest.runID = payload.RunID
				digest.imageCount = payload.ImageCount
			}
		case bus.EventStageStarted:
			var payload bus.StageStarted
			if entry.Decode(&payload) == nil && !payload.Skipped {
				stageStarts[payload.Stage] = entry.Time
			}
		case bus.EventStageCompleted:
			var payload bus.StageCompleted
			if entry.Decode(&payload) != nil || payload.Skipped {
				continue
			}

			start, ok := stageStarts[payload.Stage]
			if !ok {
				continue
			}

			digest.stages = append(digest.stages, stageSpan{
				stage:    payload.Stage,
				duration: entry.Time.Sub(start),
			})
			delete(stageStarts, payload.Stage)
		case bus.EventVRAMSample:
			var payload bus.VRAMSample
			if entry.Decode(&payload) == nil {
				digest.vram = append(digest.vram, vramPoint{
					elapsed: entry.Time.Sub(runStart),
					usedMB:  payload.UsedMB,
					totalMB: payload.TotalMB,
				})
			}
		case bus.EventProgressUpdated:
			var payload bus.ProgressUpdated
			if entry.Decode(&payload) == nil {
				digest.progress = append(digest.progress, progressPoint{
					elapsed: entry.Time.Sub(runStart),
					percent: payload.Percent,
				})
			}
		case bus.EventPipelineFinished:
			var payload bus.PipelineFinished
			if entry.Decode(&payload) == nil {
				digest.duration = payload.Duration
			}
		case bus.EventPipelineError:
			var payload bus.PipelineError
			if entry.Decode(&payload) == nil {
				digest.failure = fmt.Sprintf("%s: %s", payload.Stage, payload.Message)
			}
		}
	}

	return digest
}

// lastRunEntries cuts the stream down to the final pipeline_started and
// everything after it. Entries before the first run marker pass through
// unchanged.
func lastRunEntries(entries []journal.Entry) []journal.Entry {
	last := -1

	for i, entry := range entries {
		if entry.Name == bus.EventPipelineStarted {
			last = i
		}
	}

	if last <= 0 {
		return entries
	}

	return entries[last:]
}

func renderReport(out io.Writer, digest runDigest) error {
	page := components.NewPage()
	page.PageTitle = "mapfree run report"

	if len(digest.stages) > 0 {
		page.AddCharts(stageChart(digest))
	}

	if len(digest.vram) > 0 {
		page.AddCharts(vramChart(digest))
	}

	if len(digest.progress) > 0 {
		page.AddCharts(progressChart(digest))
	}

	return page.Render(out)
}

func reportSubtitle(digest runDigest) string {
	subtitle := "Run " + digest.runID
	if digest.imageCount > 0 {
		subtitle += fmt.Sprintf(", %d images", digest.imageCount)
	}

	if digest.duration > 0 {
		subtitle += ", finished in " + digest.duration.Round(time.Second).String()
	}

	if digest.failure != "" {
		subtitle += ", failed at " + digest.failure
	}

	return subtitle
}

func stageChart(digest runDigest) *charts.Bar {
	labels := make([]string, len(digest.stages))
	values := make([]opts.BarData, len(digest.stages))

	for i, span := range digest.stages {
		labels[i] = span.stage
		values[i] = opts.BarData{Value: roundSeconds(span.duration)}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Stage durations (s)", Subtitle: reportSubtitle(digest)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels).
		AddSeries("duration", values,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	return bar
}

func vramChart(digest runDigest) *charts.Line {
	labels := make([]string, len(digest.vram))
	used := make([]opts.LineData, len(digest.vram))
	total := make([]opts.LineData, len(digest.vram))

	for i, point := range digest.vram {
		labels[i] = elapsedLabel(point.elapsed)
		used[i] = opts.LineData{Value: point.usedMB}
		total[i] = opts.LineData{Value: point.totalMB}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "GPU memory (MB)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	line.SetXAxis(labels)
	line.AddSeries("used", used,
		charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}),
	)
	line.AddSeries("total", total)

	return line
}

func progressChart(digest runDigest) *charts.Line {
	labels := make([]string, len(digest.progress))
	values := make([]opts.LineData, len(digest.progress))

	for i, point := range digest.progress {
		labels[i] = elapsedLabel(point.elapsed)
		values[i] = opts.LineData{Value: point.percent}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Progress (%)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	line.SetXAxis(labels)
	line.AddSeries("percent", values,
		charts.WithLineChartOpts(opts.LineChart{Step: "end"}),
	)

	return line
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}

func elapsedLabel(d time.Duration) string {
	return d.Round(time.Second).String()
}
