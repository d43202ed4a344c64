package controller_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/internal/controller"
	"github.com/Sumatoshi-tech/mapfree/internal/hardware"
	"github.com/Sumatoshi-tech/mapfree/internal/pipeline"
	"github.com/Sumatoshi-tech/mapfree/internal/proc"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
)

// fakeEngine produces plausible workspace artifacts. A non-nil started
// channel is closed when feature extraction begins; a non-nil release
// channel blocks feature extraction until closed.
type fakeEngine struct {
	bus     *bus.Bus
	started chan struct{}
	release chan struct{}
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) FeatureExtraction(_ context.Context, run *project.Context) error {
	if f.started != nil {
		close(f.started)
	}

	if f.release != nil {
		<-f.release
	}

	if f.bus != nil {
		f.bus.Emit(bus.EngineLog{Engine: "fake", Line: "features extracted"})
	}

	return os.WriteFile(run.DatabasePath, []byte("feature db"), 0o644)
}

func (f *fakeEngine) Matching(context.Context, *project.Context) error { return nil }

func (f *fakeEngine) Sparse(_ context.Context, run *project.Context) error {
	dir := filepath.Join(run.SparsePath, "0")

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return err
	}

	for _, name := range project.SparseModelFiles {
		err = os.WriteFile(filepath.Join(dir, name), []byte("model"), 0o644)
		if err != nil {
			return err
		}
	}

	return nil
}

func (f *fakeEngine) Dense(_ context.Context, run *project.Context, _ bool) error {
	cloud := bytes.Repeat([]byte("pt "), 1024)

	return os.WriteFile(filepath.Join(run.DensePath, project.FusedPointCloud), cloud, 0o644)
}

type stubHardware struct{}

func (stubHardware) Detect(context.Context) hardware.Snapshot {
	return hardware.Snapshot{RAMGB: 16, VRAMTotalMB: 8192}
}

func newWorkspace(t *testing.T) (projectDir, imageDir string) {
	t.Helper()

	projectDir = filepath.Join(t.TempDir(), "project")
	imageDir = t.TempDir()

	for i := range 2 {
		name := fmt.Sprintf("img_%03d.jpg", i)

		err := os.WriteFile(filepath.Join(imageDir, name), []byte("jpeg"), 0o644)
		require.NoError(t, err)
	}

	return projectDir, imageDir
}

func newTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Geospatial.Enabled = false

	return cfg
}

func awaitClosed(t *testing.T, ch chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the engine to start")
	}
}

func TestController_RunsPipelineInBackground(t *testing.T) {
	t.Parallel()

	projectDir, imageDir := newWorkspace(t)
	b := bus.New(nil)
	c := controller.New(newTestConfig(), b, nil)
	eng := &fakeEngine{bus: b}

	err := c.Start(context.Background(), projectDir, imageDir, pipeline.Options{
		Engine:   eng,
		Hardware: stubHardware{},
	})
	require.NoError(t, err)

	err = c.Wait()
	require.NoError(t, err)

	st := c.Status()
	assert.Equal(t, project.PhaseFinished, st.Phase)
	assert.InDelta(t, 1.0, st.Progress, 1e-9)
	assert.NotEmpty(t, st.RunID)

	assert.False(t, c.Running())
	assert.Contains(t, c.Logs(), controller.LogEntry{Engine: "fake", Line: "features extracted"})

	assert.FileExists(t, filepath.Join(projectDir, "final_results", "sparse", project.CamerasFile))
}

func TestController_SecondStartWhileRunningFails(t *testing.T) {
	t.Parallel()

	projectDir, imageDir := newWorkspace(t)
	c := controller.New(newTestConfig(), bus.New(nil), nil)

	eng := &fakeEngine{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}

	err := c.Start(context.Background(), projectDir, imageDir, pipeline.Options{
		Engine:   eng,
		Hardware: stubHardware{},
	})
	require.NoError(t, err)

	awaitClosed(t, eng.started)
	assert.True(t, c.Running())

	err = c.Start(context.Background(), projectDir, imageDir, pipeline.Options{})
	assert.ErrorIs(t, err, controller.ErrRunInProgress)

	close(eng.release)

	err = c.Wait()
	require.NoError(t, err)
	assert.False(t, c.Running())
}

func TestController_StopTransitionsToStopped(t *testing.T) {
	t.Parallel()

	projectDir, imageDir := newWorkspace(t)
	c := controller.New(newTestConfig(), bus.New(nil), nil)

	eng := &fakeEngine{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}

	err := c.Start(context.Background(), projectDir, imageDir, pipeline.Options{
		Engine:   eng,
		Hardware: stubHardware{},
	})
	require.NoError(t, err)

	awaitClosed(t, eng.started)
	c.Stop("operator request")
	close(eng.release)

	err = c.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, proc.ErrStopped)
	assert.Equal(t, project.PhaseStopped, c.Status().Phase)
}

func TestController_LogBufferKeepsNewestLines(t *testing.T) {
	t.Parallel()

	projectDir, imageDir := newWorkspace(t)
	b := bus.New(nil)
	c := controller.New(newTestConfig(), b, nil)

	eng := &fakeEngine{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}

	err := c.Start(context.Background(), projectDir, imageDir, pipeline.Options{
		Engine:   eng,
		Hardware: stubHardware{},
	})
	require.NoError(t, err)

	awaitClosed(t, eng.started)

	for i := range 210 {
		b.Emit(bus.EngineLog{Engine: "fake", Line: fmt.Sprintf("line %d", i)})
	}

	close(eng.release)
	require.NoError(t, c.Wait())

	logs := c.Logs()
	require.Len(t, logs, 200)
	assert.Equal(t, "line 10", logs[0].Line)
	assert.Equal(t, "line 209", logs[len(logs)-1].Line)
}

func TestController_StartAfterFinishedRunSucceeds(t *testing.T) {
	t.Parallel()

	projectDir, imageDir := newWorkspace(t)
	c := controller.New(newTestConfig(), bus.New(nil), nil)

	opts := pipeline.Options{Engine: &fakeEngine{}, Hardware: stubHardware{}}

	require.NoError(t, c.Start(context.Background(), projectDir, imageDir, opts))
	require.NoError(t, c.Wait())

	firstID := c.Status().RunID

	require.NoError(t, c.Start(context.Background(), projectDir, imageDir, opts))
	require.NoError(t, c.Wait())

	assert.NotEqual(t, firstID, c.Status().RunID)
	assert.Equal(t, project.PhaseFinished, c.Status().Phase)
}
