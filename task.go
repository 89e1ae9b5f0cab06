package appose

import (
	"context"
	"sync"
	"time"

	"github.com/apposed/appose-go/metrics"
)

// TaskStatus is a Task's position in its state machine: INITIAL ->
// QUEUED -> RUNNING -> one of COMPLETE/CANCELED/FAILED/CRASHED.
type TaskStatus string

const (
	StatusInitial  TaskStatus = "INITIAL"
	StatusQueued   TaskStatus = "QUEUED"
	StatusRunning  TaskStatus = "RUNNING"
	StatusComplete TaskStatus = "COMPLETE"
	StatusCanceled TaskStatus = "CANCELED"
	StatusFailed   TaskStatus = "FAILED"
	StatusCrashed  TaskStatus = "CRASHED"
)

// Terminal reports whether status is one from which no further
// transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusCanceled, StatusFailed, StatusCrashed:
		return true
	default:
		return false
	}
}

// ResponseType is the worker->parent response kind.
type ResponseType string

const (
	ResponseLaunch      ResponseType = "LAUNCH"
	ResponseUpdate      ResponseType = "UPDATE"
	ResponseCompletion  ResponseType = "COMPLETION"
	ResponseCancelation ResponseType = "CANCELATION"
	ResponseFailure     ResponseType = "FAILURE"
)

// TaskEvent is delivered to every Listener in registration order each
// time a Task's response is processed.
type TaskEvent struct {
	ResponseType ResponseType
	Task         *Task
}

// Listener receives TaskEvents. Implementations must not block: they
// run synchronously on the Service's stdout reader goroutine, and a
// slow listener stalls delivery of every other task's events too.
type Listener interface {
	TaskEvent(event TaskEvent)
}

// ListenerFunc adapts a plain function to a Listener.
type ListenerFunc func(TaskEvent)

func (f ListenerFunc) TaskEvent(event TaskEvent) { f(event) }

// Task represents a single script execution dispatched through a
// Service.
type Task struct {
	UUID   string
	Script string
	Inputs map[string]any

	svc *Service

	mu        sync.Mutex
	cond      *sync.Cond
	status    TaskStatus
	message   *string
	current   *int64
	maximum   *int64
	outputs   map[string]any
	errMsg    error
	listeners []Listener
	startedAt time.Time
}

func newTask(svc *Service, uuid, script string, inputs map[string]any) *Task {
	t := &Task{
		UUID:   uuid,
		Script: script,
		Inputs: inputs,
		svc:    svc,
		status: StatusInitial,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Status returns the task's current status.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Message returns the latest progress message, or nil if none has been
// reported.
func (t *Task) Message() *string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.message
}

// Progress returns the latest current/maximum progress counters, either
// of which may be nil if not yet reported.
func (t *Task) Progress() (current, maximum *int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.maximum
}

// Outputs returns the task's output map, populated once COMPLETION is
// received. Safe to call at any time; returns nil before completion.
func (t *Task) Outputs() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outputs
}

// Error returns the worker-reported failure, if any: a *TaskFailure
// once a FAILURE response is handled, or the crash reason once the
// task has been crashed.
func (t *Task) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errMsg
}

// Listen registers a listener for this task's events. Fails with
// *ProtocolError-adjacent IllegalStateError if the task has already
// reached a terminal state, since a listener attached after the fact
// would never observe the events it was registered to see.
func (t *Task) Listen(l Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return &IllegalStateError{Reason: "cannot listen: task " + t.UUID + " is already " + string(t.status)}
	}
	t.listeners = append(t.listeners, l)
	return nil
}

// Start transitions the task to QUEUED and sends an EXECUTE request to
// the worker. Returns immediately; it does not wait for the worker to
// acknowledge.
func (t *Task) Start() error {
	t.mu.Lock()
	if t.status != StatusInitial {
		t.mu.Unlock()
		return &IllegalStateError{Reason: "cannot start: task " + t.UUID + " is already " + string(t.status)}
	}
	t.status = StatusQueued
	t.startedAt = time.Now()
	t.mu.Unlock()

	req := map[string]any{
		"task":        t.UUID,
		"requestType": "EXECUTE",
		"script":      t.Script,
		"inputs":      t.anyInputs(),
	}
	metrics.TasksStarted.Inc()
	return t.svc.sendRequest(req)
}

func (t *Task) anyInputs() map[string]any {
	if t.Inputs == nil {
		return map[string]any{}
	}
	return t.Inputs
}

// Cancel sends a CANCEL request to the worker. It does not itself
// transition task state; the worker is expected to eventually respond
// with CANCELATION (or COMPLETION/FAILURE, if the script finished
// before noticing the cancel request). A no-op on an already-terminal
// task, and safe to call more than once — each call sends at most one
// CANCEL line, never mutating state on its own.
func (t *Task) Cancel() error {
	t.mu.Lock()
	terminal := t.status.Terminal()
	t.mu.Unlock()
	if terminal {
		return nil
	}
	return t.svc.sendRequest(map[string]any{
		"task":        t.UUID,
		"requestType": "CANCEL",
	})
}

// WaitFor blocks until the task reaches a terminal state, then returns
// the task. Safe to call concurrently from multiple goroutines.
func (t *Task) WaitFor() *Task {
	t.mu.Lock()
	for !t.status.Terminal() {
		t.cond.Wait()
	}
	t.mu.Unlock()
	return t
}

// WaitForContext blocks until the task reaches a terminal state or ctx
// is done, whichever comes first. Returns ctx.Err() on context
// cancelation/timeout; the task's own state is left untouched.
func (t *Task) WaitForContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.WaitFor()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleResponse merges one worker response into task state and
// notifies listeners in registration order. Called only from the
// Service's stdout reader goroutine, so responses for a single task
// are always processed in the order the worker emitted them.
func (t *Task) handleResponse(responseType ResponseType, payload map[string]any) {
	t.mu.Lock()
	if t.status.Terminal() {
		// Terminal tasks ignore further responses (e.g. a stray UPDATE
		// racing a CRASH synthesized by stream EOF).
		t.mu.Unlock()
		return
	}

	switch responseType {
	case ResponseLaunch:
		t.status = StatusRunning

	case ResponseUpdate:
		if raw, ok := payload["message"]; ok {
			if s, ok := raw.(string); ok {
				t.message = &s
			}
		}
		if raw, ok := payload["current"]; ok {
			if v, ok := asInt64(raw); ok {
				t.current = &v
			}
		}
		if raw, ok := payload["maximum"]; ok {
			if v, ok := asInt64(raw); ok {
				t.maximum = &v
			}
		}

	case ResponseCompletion:
		outputs, _ := payload["outputs"].(map[string]any)
		if outputs == nil {
			outputs = map[string]any{}
		}
		t.outputs = outputs
		t.status = StatusComplete

	case ResponseCancelation:
		t.status = StatusCanceled

	case ResponseFailure:
		msg, _ := payload["error"].(string)
		t.errMsg = &TaskFailure{Message: msg}
		t.status = StatusFailed
	}

	terminalNow := t.status.Terminal()
	status := t.status
	started := t.startedAt
	listeners := append([]Listener(nil), t.listeners...)
	if terminalNow {
		t.cond.Broadcast()
	}
	t.mu.Unlock()

	if terminalNow {
		metrics.RecordTaskTerminal(string(status), started)
	}

	event := TaskEvent{ResponseType: responseType, Task: t}
	for _, l := range listeners {
		safeNotify(l, event)
	}
}

// crash synthesizes a terminal transition for a task that was still
// live when the worker process exited: a FAILURE-shaped transition to
// CRASHED carrying a descriptive error, not an exception thrown across
// WaitFor.
func (t *Task) crash(reason string) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.errMsg = &TaskFailure{Message: reason}
	t.status = StatusCrashed
	started := t.startedAt
	listeners := append([]Listener(nil), t.listeners...)
	t.cond.Broadcast()
	t.mu.Unlock()

	metrics.RecordTaskTerminal(string(StatusCrashed), started)

	event := TaskEvent{ResponseType: ResponseFailure, Task: t}
	for _, l := range listeners {
		safeNotify(l, event)
	}
}

// safeNotify delivers an event to a listener, recovering from a panic
// so one bad listener never interrupts dispatch to the others (or to
// the reader loop that called us).
func safeNotify(l Listener, event TaskEvent) {
	defer func() { recover() }()
	l.TaskEvent(event)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// IllegalStateError is returned by Task operations that are invalid for
// the task's current state (listening on a terminal task, starting a
// task twice).
type IllegalStateError struct{ Reason string }

func (e *IllegalStateError) Error() string { return e.Reason }
