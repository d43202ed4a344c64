package hardware

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemTotalGB_TypicalMeminfo(t *testing.T) {
	t.Parallel()

	memInfo := []byte("MemTotal:       16777216 kB\nMemFree:         1234567 kB\n")

	assert.InDelta(t, 16.0, parseMemTotalGB(memInfo), 0.001)
}

func TestParseMemTotalGB_MissingEntry(t *testing.T) {
	t.Parallel()

	assert.Zero(t, parseMemTotalGB([]byte("MemFree: 1234 kB\n")))
	assert.Zero(t, parseMemTotalGB(nil))
}

func TestParseMemTotalGB_Garbage(t *testing.T) {
	t.Parallel()

	assert.Zero(t, parseMemTotalGB([]byte("MemTotal: lots kB\n")))
	assert.Zero(t, parseMemTotalGB([]byte("MemTotal:\n")))
}

func TestParseVRAMOutput_UsedAndTotal(t *testing.T) {
	t.Parallel()

	used, total := parseVRAMOutput([]byte("123, 4096\n"))
	assert.Equal(t, 123, used)
	assert.Equal(t, 4096, total)
}

func TestParseVRAMOutput_FirstLineWins(t *testing.T) {
	t.Parallel()

	used, total := parseVRAMOutput([]byte("\n512, 2048\n100, 8192\n"))
	assert.Equal(t, 512, used)
	assert.Equal(t, 2048, total)
}

func TestParseVRAMOutput_SingleNumberIsTotal(t *testing.T) {
	t.Parallel()

	used, total := parseVRAMOutput([]byte("2048\n"))
	assert.Zero(t, used)
	assert.Equal(t, 2048, total)
}

func TestParseVRAMOutput_NoNumbers(t *testing.T) {
	t.Parallel()

	used, total := parseVRAMOutput([]byte("No devices were found\n"))
	assert.Zero(t, used)
	assert.Zero(t, total)

	used, total = parseVRAMOutput(nil)
	assert.Zero(t, used)
	assert.Zero(t, total)
}

func TestDetector_Detect_StubbedSources(t *testing.T) {
	t.Parallel()

	memInfoPath := filepath.Join(t.TempDir(), "meminfo")
	require.NoError(t, os.WriteFile(memInfoPath, []byte("MemTotal: 8388608 kB\n"), 0o600))

	detector := &Detector{
		logger:      slog.Default(),
		meminfoPath: memInfoPath,
		queryVRAM: func(_ context.Context) (int, int, error) {
			return 900, 4096, nil
		},
	}

	snap := detector.Detect(context.Background())
	assert.InDelta(t, 8.0, snap.RAMGB, 0.001)
	assert.Equal(t, 900, snap.VRAMUsedMB)
	assert.Equal(t, 4096, snap.VRAMTotalMB)
	assert.True(t, snap.HasGPU())
}

func TestDetector_Detect_QueryFailureMeansNoGPU(t *testing.T) {
	t.Parallel()

	detector := &Detector{
		logger:      slog.Default(),
		meminfoPath: filepath.Join(t.TempDir(), "missing"),
		queryVRAM: func(_ context.Context) (int, int, error) {
			return 0, 0, errors.New("nvidia-smi not installed")
		},
	}

	snap := detector.Detect(context.Background())
	assert.Zero(t, snap.RAMGB)
	assert.Zero(t, snap.VRAMTotalMB)
	assert.False(t, snap.HasGPU())
}
