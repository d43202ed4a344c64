package bus

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitDeliversInRegistrationOrder(t *testing.T) {
	t.Parallel()

	b := New(slog.Default())

	var got []string

	b.Subscribe(EventStageStarted, func(Payload) { got = append(got, "first") })
	b.Subscribe(EventStageStarted, func(Payload) { got = append(got, "second") })
	b.Subscribe(EventStageStarted, func(Payload) { got = append(got, "third") })

	b.Emit(StageStarted{Stage: "sparse"})

	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	b := New(slog.Default())

	var delivered int

	b.Subscribe(EventPipelineError, func(Payload) { panic("listener exploded") })
	b.Subscribe(EventPipelineError, func(Payload) { delivered++ })

	require.NotPanics(t, func() {
		b.Emit(PipelineError{Stage: "dense", Message: "boom"})
	})

	assert.Equal(t, 1, delivered)
}

func TestBus_SameHandlerRegisteredTwiceReceivesTwice(t *testing.T) {
	t.Parallel()

	b := New(nil)

	var count int

	handler := func(Payload) { count++ }

	b.Subscribe(EventProgressUpdated, handler)
	b.Subscribe(EventProgressUpdated, handler)

	b.Emit(NewProgress(10, ""))

	assert.Equal(t, 2, count)
}

func TestBus_UnsubscribeRemovesOnlyThatRegistration(t *testing.T) {
	t.Parallel()

	b := New(nil)

	var first, second int

	sub := b.Subscribe(EventEngineLog, func(Payload) { first++ })
	b.Subscribe(EventEngineLog, func(Payload) { second++ })

	b.Emit(EngineLog{Engine: "colmap", Line: "one"})

	sub.Unsubscribe()
	sub.Unsubscribe() // second removal is a no-op

	b.Emit(EngineLog{Engine: "colmap", Line: "two"})

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestBus_EmitToUnknownEventIsNoop(t *testing.T) {
	t.Parallel()

	b := New(nil)

	require.NotPanics(t, func() {
		b.Emit(VRAMSample{UsedMB: 100, TotalMB: 8192})
	})
}

func TestBus_HandlersOnlySeeSubscribedName(t *testing.T) {
	t.Parallel()

	b := New(nil)

	var startCount, doneCount int

	b.Subscribe(EventStageStarted, func(Payload) { startCount++ })
	b.Subscribe(EventStageCompleted, func(Payload) { doneCount++ })

	b.Emit(StageStarted{Stage: "dense"})
	b.Emit(StageCompleted{Stage: "dense"})
	b.Emit(StageCompleted{Stage: "geospatial"})

	assert.Equal(t, 1, startCount)
	assert.Equal(t, 2, doneCount)
}

func TestBus_ConcurrentSubscribeAndEmit(t *testing.T) {
	t.Parallel()

	b := New(nil)

	const goroutines = 16

	var wg sync.WaitGroup

	var mu sync.Mutex

	total := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			b.Subscribe(EventVRAMSample, func(Payload) {
				mu.Lock()
				total++
				mu.Unlock()
			})
			b.Emit(VRAMSample{UsedMB: 1, TotalMB: 2})
		}()
	}

	wg.Wait()

	// Every goroutine's own subscription exists by its final emit, so at
	// least `goroutines` deliveries happened in total.
	mu.Lock()
	defer mu.Unlock()

	assert.GreaterOrEqual(t, total, goroutines)
}

func TestBus_PayloadReachesHandlerTyped(t *testing.T) {
	t.Parallel()

	b := New(nil)

	var got EngineLog

	b.Subscribe(EventEngineLog, func(p Payload) {
		line, ok := p.(EngineLog)
		require.True(t, ok)

		got = line
	})

	b.Emit(EngineLog{Engine: "openmvs", Line: "densify 42%"})

	assert.Equal(t, "openmvs", got.Engine)
	assert.Equal(t, "densify 42%", got.Line)
}

func TestNewProgress_ClampsRange(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, NewProgress(-5, "").Percent)
	assert.Equal(t, 100, NewProgress(250, "").Percent)
	assert.Equal(t, 55, NewProgress(55, "").Percent)
}

func TestNewReprojectionProgress_ClampsRange(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100, NewReprojectionProgress(400, "dsm").Percent)
	assert.Equal(t, 0, NewReprojectionProgress(-1, "dsm").Percent)
}
