//go:build integration

// Integration tests exercising Service and Task against a real
// exampleworker subprocess, following GandalftheGUI-grove's
// test/integration_test.go pattern of building the binary once in
// TestMain and then driving it as a child process.
//
// Run with:
//
//	go test -tags=integration -v .

package appose

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apposed/appose-go/shm"
)

var exampleWorkerBin string

func TestMain(m *testing.M) {
	tmpBin, err := os.MkdirTemp("", "appose-inttest-bin-*")
	if err != nil {
		panic("MkdirTemp: " + err.Error())
	}
	defer os.RemoveAll(tmpBin)

	exampleWorkerBin = filepath.Join(tmpBin, "exampleworker")
	cmd := exec.Command("go", "build", "-o", exampleWorkerBin, "./cmd/exampleworker")
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		panic("build exampleworker: " + err.Error())
	}

	os.Exit(m.Run())
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	env := NewEnvironment(".", nil, nil, nil)
	svc, err := env.Service([]string{exampleWorkerBin})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// Scenario 1: arithmetic.
func TestArithmeticScenario(t *testing.T) {
	svc := newTestService(t)
	var events []ResponseType
	task, err := svc.Task("5 + 6", nil)
	require.NoError(t, err)
	require.NoError(t, task.Listen(ListenerFunc(func(e TaskEvent) {
		events = append(events, e.ResponseType)
	})))
	require.NoError(t, task.Start())
	task.WaitFor()

	assert.Equal(t, StatusComplete, task.Status())
	assert.EqualValues(t, 11, task.Outputs()["result"])
	for _, e := range events {
		assert.NotEqual(t, ResponseUpdate, e, "no UPDATE events before COMPLETION")
	}
}

// Scenario 2: progress. Collatz stopping time for 9999 is 91 steps.
func TestProgressScenario(t *testing.T) {
	svc := newTestService(t)
	var events []ResponseType
	task, err := svc.Task("collatz", map[string]any{"n": int32(9999)})
	require.NoError(t, err)
	require.NoError(t, task.Listen(ListenerFunc(func(e TaskEvent) {
		events = append(events, e.ResponseType)
	})))
	require.NoError(t, task.Start())
	task.WaitFor()

	require.Equal(t, StatusComplete, task.Status())
	assert.EqualValues(t, 91, task.Outputs()["result"])
	assert.Len(t, events, 93) // 1 LAUNCH + 91 UPDATE + 1 COMPLETION
}

// Scenario 3: cancelation.
func TestCancelationScenario(t *testing.T) {
	svc := newTestService(t)
	task, err := svc.Task("loop_forever", nil)
	require.NoError(t, err)
	require.NoError(t, task.Start())

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, task.Cancel())
	task.WaitFor()

	assert.Equal(t, StatusCanceled, task.Status())
}

// Scenario 4: failure.
func TestFailureScenario(t *testing.T) {
	svc := newTestService(t)
	task, err := svc.Task("fail", map[string]any{"message": "boom"})
	require.NoError(t, err)
	require.NoError(t, task.Start())
	task.WaitFor()

	assert.Equal(t, StatusFailed, task.Status())
	require.NotNil(t, task.Error())
	assert.Equal(t, "boom", task.Error().Error())
}

// Scenario 5: ndarray echo.
func TestNDArrayEchoScenario(t *testing.T) {
	svc := newTestService(t)

	const width, height, depth = 2, 20, 25
	count := width * height * depth
	h, err := shm.Create("", int64(count*4))
	require.NoError(t, err)
	data := h.Data()
	for i := 0; i < count; i++ {
		f := float32(i) + 0.5
		binary.LittleEndian.PutUint32(data[i*4:i*4+4], math.Float32bits(f))
	}

	arr, err := NewNDArray(Float32, []int64{width, height, depth}, COrder, h)
	require.NoError(t, err)

	task, err := svc.Task("increment_ndarray", map[string]any{"arr": arr})
	require.NoError(t, err)
	require.NoError(t, task.Start())
	task.WaitFor()

	require.Equal(t, StatusComplete, task.Status())
	for i := 1; i < count; i++ {
		got := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
		want := float32(i-1) + 0.5
		assert.InDelta(t, want, got, 1e-6)
	}
}

// Scenario 6: crash recovery.
func TestCrashRecoveryScenario(t *testing.T) {
	svc := newTestService(t)
	task, err := svc.Task("crash", nil)
	require.NoError(t, err)
	require.NoError(t, task.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, task.WaitForContext(ctx))

	assert.Equal(t, StatusCrashed, task.Status())
	require.NotNil(t, task.Error())

	_, err = svc.Task("5 + 6", nil)
	require.Error(t, err)
	var illegalState *IllegalStateError
	assert.ErrorAs(t, err, &illegalState)
}
