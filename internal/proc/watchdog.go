package proc

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Sumatoshi-tech/mapfree/internal/hardware"
)

const (
	defaultWatchThreshold = 0.9
	defaultWatchPoll      = 5 * time.Second
)

// WatchConfig tunes the GPU memory watchdog for RunWatched.
type WatchConfig struct {
	// Threshold is the used/total ratio that trips the watchdog.
	// Zero or negative means 0.9.
	Threshold float64

	// PollInterval is the sampling cadence. Zero or negative means 5s.
	PollInterval time.Duration

	// Query reads GPU memory. Nil uses nvidia-smi.
	Query hardware.VRAMQuery

	// OnSample receives every successful reading.
	OnSample func(usedMB, totalMB int)
}

type vramSample struct {
	usedMB  int
	totalMB int
	ratio   float64
}

// RunWatched executes the command like Run while sampling GPU memory
// in the background. When usage crosses the threshold the process
// group is killed and a *WatchdogError is returned so callers can tell
// memory pressure apart from ordinary failures. Retries are disabled:
// the caller owns the recovery policy for watched stages.
func RunWatched(ctx context.Context, opts Options, watch WatchConfig) error {
	threshold := watch.Threshold
	if threshold <= 0 {
		threshold = defaultWatchThreshold
	}

	poll := watch.PollInterval
	if poll <= 0 {
		poll = defaultWatchPoll
	}

	query := watch.Query
	if query == nil {
		query = hardware.NvidiaSMIQuery
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		tripped atomic.Bool
		trip    vramSample
	)

	prevStop := opts.Stop
	opts.Stop = func() bool {
		if tripped.Load() {
			return true
		}

		if prevStop != nil {
			return prevStop()
		}

		return false
	}
	opts.Retries = 0

	pollDone := make(chan struct{})

	go func() {
		defer close(pollDone)

		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}

			usedMB, totalMB, err := query(watchCtx)
			if err != nil {
				continue
			}

			if watch.OnSample != nil {
				watch.OnSample(usedMB, totalMB)
			}

			if totalMB <= 0 {
				continue
			}

			ratio := float64(usedMB) / float64(totalMB)
			if ratio <= threshold {
				continue
			}

			trip = vramSample{usedMB: usedMB, totalMB: totalMB, ratio: ratio}
			tripped.Store(true)

			logger.Warn("vram threshold exceeded, stopping stage",
				slog.String("stage", opts.Stage),
				slog.Int("used_mb", usedMB),
				slog.Int("total_mb", totalMB),
				slog.Float64("ratio", ratio),
			)

			return
		}
	}()

	err := Run(ctx, opts)

	cancel()
	<-pollDone

	if tripped.Load() {
		return &WatchdogError{
			Stage:   opts.Stage,
			UsedMB:  trip.usedMB,
			TotalMB: trip.totalMB,
			Ratio:   trip.ratio,
		}
	}

	return err
}
