// Package worker implements a minimal reference worker program
// speaking the Appose wire protocol over a given pair of streams. It
// understands a tiny built-in arithmetic grammar plus a small, fixed
// set of named scripts, rather than embedding a real scripting
// language: no scripting-engine library appears anywhere in the
// example pack this project was built from, so this package exists
// purely to give Service and Task something real to drive in tests —
// it is test scaffolding, not a production language binding, the way
// GandalftheGUI-grove's own test fixtures stand in for a real agent.
package worker

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"sync"
	"time"

	appose "github.com/apposed/appose-go"
)

// request mirrors the wire shape of a parent→worker request line.
type request struct {
	Task        string
	RequestType string
	Script      string
	Inputs      map[string]any
}

// Run reads request lines from in and writes response lines to out
// until in is exhausted (the parent closed stdin, signaling shutdown)
// or a script invokes the "crash" behavior. Each task runs in its own
// goroutine, same as a real worker would need to in order to service
// EXECUTE and CANCEL concurrently.
func Run(in io.Reader, out io.Writer) error {
	w := &workerState{
		out:     out,
		cancels: make(map[string]chan struct{}),
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := parseRequest(line)
		if err != nil {
			continue
		}
		switch req.RequestType {
		case "EXECUTE":
			cancel := make(chan struct{})
			w.mu.Lock()
			w.cancels[req.Task] = cancel
			w.mu.Unlock()
			go w.execute(req, cancel)
		case "CANCEL":
			w.mu.Lock()
			if cancel, ok := w.cancels[req.Task]; ok {
				close(cancel)
			}
			w.mu.Unlock()
		}
	}
	return scanner.Err()
}

type workerState struct {
	out     io.Writer
	writeMu sync.Mutex
	mu      sync.Mutex
	cancels map[string]chan struct{}
}

func parseRequest(line []byte) (request, error) {
	decoded, err := appose.Decode(line)
	if err != nil {
		return request{}, err
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return request{}, fmt.Errorf("request line is not an object")
	}
	req := request{}
	req.Task, _ = obj["task"].(string)
	req.RequestType, _ = obj["requestType"].(string)
	req.Script, _ = obj["script"].(string)
	req.Inputs, _ = obj["inputs"].(map[string]any)
	return req, nil
}

func (w *workerState) respond(fields map[string]any) {
	line, err := appose.Encode(fields)
	if err != nil {
		return
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	fmt.Fprintln(w.out, line)
}

var arithmeticExpr = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*([+\-*/])\s*(-?\d+(?:\.\d+)?)\s*$`)

func (w *workerState) execute(req request, cancel chan struct{}) {
	w.respond(map[string]any{"task": req.Task, "responseType": "LAUNCH"})

	switch {
	case arithmeticExpr.MatchString(req.Script):
		w.runArithmetic(req)
	case req.Script == "collatz":
		w.runCollatz(req, cancel)
	case req.Script == "loop_forever":
		w.runLoopForever(req, cancel)
	case req.Script == "fail":
		w.runFail(req)
	case req.Script == "increment_ndarray":
		w.runIncrementNDArray(req)
	case req.Script == "crash":
		panic("appose: reference worker simulating a crash")
	default:
		w.respond(map[string]any{
			"task":         req.Task,
			"responseType": "FAILURE",
			"error":        fmt.Sprintf("unknown script %q", req.Script),
		})
	}

	w.mu.Lock()
	delete(w.cancels, req.Task)
	w.mu.Unlock()
}

// runArithmetic evaluates a two-operand expression like "5 + 6" and
// completes with outputs["result"].
func (w *workerState) runArithmetic(req request) {
	m := arithmeticExpr.FindStringSubmatch(req.Script)
	a, _ := strconv.ParseFloat(m[1], 64)
	b, _ := strconv.ParseFloat(m[3], 64)
	var result float64
	switch m[2] {
	case "+":
		result = a + b
	case "-":
		result = a - b
	case "*":
		result = a * b
	case "/":
		if b == 0 {
			w.respond(map[string]any{"task": req.Task, "responseType": "FAILURE", "error": "division by zero"})
			return
		}
		result = a / b
	}
	w.respond(map[string]any{
		"task":         req.Task,
		"responseType": "COMPLETION",
		"outputs":      map[string]any{"result": int64(result)},
	})
}

// runCollatz emits one UPDATE per step of the Collatz sequence
// starting from input "n", then completes with outputs["result"]
// holding the stopping-time step count.
func (w *workerState) runCollatz(req request, cancel chan struct{}) {
	n, ok := asFloat(req.Inputs["n"])
	if !ok || n <= 0 {
		w.respond(map[string]any{"task": req.Task, "responseType": "FAILURE", "error": "collatz requires a positive integer input n"})
		return
	}
	steps := int64(0)
	current := int64(n)
	for current != 1 {
		select {
		case <-cancel:
			w.respond(map[string]any{"task": req.Task, "responseType": "CANCELATION"})
			return
		default:
		}
		if current%2 == 0 {
			current /= 2
		} else {
			current = 3*current + 1
		}
		steps++
		w.respond(map[string]any{
			"task":         req.Task,
			"responseType": "UPDATE",
			"message":      fmt.Sprintf("[%d] -> %d", steps, current),
			"current":      steps,
		})
	}
	w.respond(map[string]any{
		"task":         req.Task,
		"responseType": "COMPLETION",
		"outputs":      map[string]any{"result": steps},
	})
}

// runLoopForever loops until canceled, checking cancel_requested every
// tick and never completing on its own — it exists to exercise
// Task.Cancel and the CANCELATION response.
func (w *workerState) runLoopForever(req request, cancel chan struct{}) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			w.respond(map[string]any{"task": req.Task, "responseType": "CANCELATION"})
			return
		case <-ticker.C:
		}
	}
}

func (w *workerState) runFail(req request) {
	message, _ := req.Inputs["message"].(string)
	if message == "" {
		message = "intentional failure\n\tat worker.runFail"
	}
	w.respond(map[string]any{"task": req.Task, "responseType": "FAILURE", "error": message})
}

// runIncrementNDArray attaches the ndarray passed as input "arr" (a
// float32 buffer) and copies element i to index i+1 in place, leaving
// element 0 unchanged, then echoes the same ndarray sentinel back as
// output "arr" — exercising the shm/ndarray sentinel convention and
// shared-memory visibility across processes end-to-end.
func (w *workerState) runIncrementNDArray(req request) {
	arr, ok := req.Inputs["arr"].(*appose.NDArray)
	if !ok {
		w.respond(map[string]any{"task": req.Task, "responseType": "FAILURE", "error": "increment_ndarray requires an ndarray input named arr"})
		return
	}
	data := arr.Shm.Data()
	count := len(data) / 4
	values := make([]float32, count)
	for i := 0; i < count; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		values[i] = math.Float32frombits(bits)
	}
	for i := count - 1; i > 0; i-- {
		bits := math.Float32bits(values[i-1])
		binary.LittleEndian.PutUint32(data[i*4:i*4+4], bits)
	}
	w.respond(map[string]any{
		"task":         req.Task,
		"responseType": "COMPLETION",
		"outputs":      map[string]any{"arr": arr},
	})
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
