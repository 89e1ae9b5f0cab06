package appose

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskHandleResponseLifecycle(t *testing.T) {
	task := newTask(nil, "t1", "5 + 6", nil)
	assert.Equal(t, StatusInitial, task.Status())

	task.handleResponse(ResponseLaunch, map[string]any{})
	assert.Equal(t, StatusRunning, task.Status())

	task.handleResponse(ResponseUpdate, map[string]any{"message": "halfway", "current": int32(5), "maximum": int32(10)})
	msg := task.Message()
	require.NotNil(t, msg)
	assert.Equal(t, "halfway", *msg)
	current, maximum := task.Progress()
	require.NotNil(t, current)
	require.NotNil(t, maximum)
	assert.EqualValues(t, 5, *current)
	assert.EqualValues(t, 10, *maximum)

	task.handleResponse(ResponseCompletion, map[string]any{"outputs": map[string]any{"result": int32(11)}})
	assert.Equal(t, StatusComplete, task.Status())
	assert.EqualValues(t, 11, task.Outputs()["result"])
}

func TestTaskMonotonicStateAfterTerminal(t *testing.T) {
	task := newTask(nil, "t1", "fail", nil)
	task.handleResponse(ResponseFailure, map[string]any{"error": "boom"})
	require.Equal(t, StatusFailed, task.Status())

	// A stray response after a terminal state must not change anything.
	task.handleResponse(ResponseCompletion, map[string]any{"outputs": map[string]any{"result": int32(1)}})
	assert.Equal(t, StatusFailed, task.Status())
	assert.Nil(t, task.Outputs())
}

func TestTaskListenerOrdering(t *testing.T) {
	task := newTask(nil, "t1", "collatz", nil)
	var mu sync.Mutex
	var seen []ResponseType
	require.NoError(t, task.Listen(ListenerFunc(func(e TaskEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.ResponseType)
	})))

	task.handleResponse(ResponseLaunch, map[string]any{})
	task.handleResponse(ResponseUpdate, map[string]any{"current": int32(1)})
	task.handleResponse(ResponseUpdate, map[string]any{"current": int32(2)})
	task.handleResponse(ResponseCompletion, map[string]any{"outputs": map[string]any{}})

	assert.Equal(t, []ResponseType{ResponseLaunch, ResponseUpdate, ResponseUpdate, ResponseCompletion}, seen)
}

func TestTaskListenOnTerminalTaskFails(t *testing.T) {
	task := newTask(nil, "t1", "fail", nil)
	task.handleResponse(ResponseFailure, map[string]any{"error": "boom"})

	err := task.Listen(ListenerFunc(func(TaskEvent) {}))
	require.Error(t, err)
	var illegalState *IllegalStateError
	assert.ErrorAs(t, err, &illegalState)
}

func TestTaskWaitForContextTimesOut(t *testing.T) {
	task := newTask(nil, "t1", "loop_forever", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := task.WaitForContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusInitial, task.Status())
}

func TestTaskCrashIsIdempotentAndTerminal(t *testing.T) {
	task := newTask(nil, "t1", "crash", nil)
	task.handleResponse(ResponseLaunch, map[string]any{})
	task.crash("worker process exited unexpectedly")
	assert.Equal(t, StatusCrashed, task.Status())
	require.NotNil(t, task.Error())

	// A second crash call on an already-crashed task must not change state.
	task.crash("a different reason")
	assert.Equal(t, "worker process exited unexpectedly", task.Error().Error())
}

func TestTaskListenerPanicDoesNotBlockDispatch(t *testing.T) {
	task := newTask(nil, "t1", "5 + 6", nil)
	var secondCalled bool
	require.NoError(t, task.Listen(ListenerFunc(func(TaskEvent) { panic("listener bug") })))
	require.NoError(t, task.Listen(ListenerFunc(func(TaskEvent) { secondCalled = true })))

	task.handleResponse(ResponseLaunch, map[string]any{})
	assert.True(t, secondCalled)
}
