// Package hardware detects host memory and GPU memory and maps the
// detected capacity to processing profiles and chunk sizes.
package hardware

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

const (
	procMemInfoPath = "/proc/meminfo"
	memTotalPrefix  = "MemTotal:"

	// MemTotal lines carry at least a label and a value
	// (e.g. "MemTotal: 16384 kB" has 3 fields).
	minMemInfoFields = 2

	kibPerGiB = 1024 * 1024

	nvidiaSMITimeout = 5 * time.Second
)

var digitRuns = regexp.MustCompile(`\d+`)

// Snapshot holds the detected hardware capacity for one run.
type Snapshot struct {
	RAMGB       float64
	VRAMUsedMB  int
	VRAMTotalMB int
}

// HasGPU reports whether a usable GPU was detected.
func (s Snapshot) HasGPU() bool {
	return s.VRAMTotalMB > 0
}

// VRAMQuery returns used and total GPU memory, in MB. An error means
// the query tool itself failed; zero totals mean no GPU was found.
type VRAMQuery func(ctx context.Context) (usedMB, totalMB int, err error)

// NvidiaSMIQuery queries GPU memory through the nvidia-smi tool.
// Machines without the tool or without a GPU report an error, which
// detection treats as zero VRAM.
func NvidiaSMIQuery(ctx context.Context) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, nvidiaSMITimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.used,memory.total",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return 0, 0, fmt.Errorf("nvidia-smi query failed: %w", err)
	}

	used, total := parseVRAMOutput(out)

	return used, total, nil
}

// Detector probes the host for RAM and VRAM capacity.
type Detector struct {
	logger      *slog.Logger
	meminfoPath string
	queryVRAM   VRAMQuery
}

// NewDetector returns a detector using /proc/meminfo and nvidia-smi.
func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Detector{
		logger:      logger,
		meminfoPath: procMemInfoPath,
		queryVRAM:   NvidiaSMIQuery,
	}
}

// Detect probes the host. Detection never fails: anything that cannot
// be read reports as zero, which downstream selection treats as the
// most conservative tier.
func (d *Detector) Detect(ctx context.Context) Snapshot {
	snap := Snapshot{RAMGB: d.detectRAMGB()}

	used, total, err := d.queryVRAM(ctx)
	if err != nil {
		d.logger.Debug("gpu memory query failed, assuming no gpu", slog.Any("error", err))

		return snap
	}

	snap.VRAMUsedMB = used
	snap.VRAMTotalMB = total

	return snap
}

func (d *Detector) detectRAMGB() float64 {
	if runtime.GOOS != "linux" {
		return 0
	}

	memInfoBytes, err := os.ReadFile(d.meminfoPath)
	if err != nil {
		d.logger.Debug("meminfo read failed", slog.Any("error", err))

		return 0
	}

	return parseMemTotalGB(memInfoBytes)
}

// parseMemTotalGB extracts the MemTotal value from /proc/meminfo
// content and converts it from kB to GB.
func parseMemTotalGB(memInfo []byte) float64 {
	for line := range bytes.SplitSeq(memInfo, []byte{'\n'}) {
		if !bytes.HasPrefix(line, []byte(memTotalPrefix)) {
			continue
		}

		fields := bytes.Fields(line)
		if len(fields) < minMemInfoFields {
			return 0
		}

		memTotalKB, err := strconv.ParseUint(string(fields[1]), 10, 64)
		if err != nil {
			return 0
		}

		return float64(memTotalKB) / kibPerGiB
	}

	return 0
}

// parseVRAMOutput extracts used and total memory from nvidia-smi CSV
// output. The first line is authoritative; a single number is treated
// as the total, no numbers as no GPU.
func parseVRAMOutput(out []byte) (usedMB, totalMB int) {
	line := firstNonEmptyLine(out)
	if line == nil {
		return 0, 0
	}

	nums := digitRuns.FindAll(line, 2)

	switch len(nums) {
	case 2:
		used, _ := strconv.Atoi(string(nums[0]))
		total, _ := strconv.Atoi(string(nums[1]))

		return used, total
	case 1:
		total, _ := strconv.Atoi(string(nums[0]))

		return 0, total
	default:
		return 0, 0
	}
}

func firstNonEmptyLine(out []byte) []byte {
	for line := range bytes.SplitSeq(out, []byte{'\n'}) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			return trimmed
		}
	}

	return nil
}
