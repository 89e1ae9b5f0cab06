package appose

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apposed/appose-go/logging"
	"github.com/apposed/appose-go/metrics"
)

// shutdownGrace is how long Close waits for the worker to exit on its
// own after stdin is closed, before it is force-killed.
const shutdownGrace = 5 * time.Second

// Service supervises one worker subprocess and the tasks dispatched to
// it, generalizing GandalftheGUI-grove's internal/daemon.Daemon
// (connection/instance bookkeeping) and internal/daemon.Instance
// (process lifecycle, reader goroutine, destroy) to Appose's
// stdin/stdout JSON-line protocol in place of grove's pty + framed
// binary protocol.
type Service struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	logger logging.Logger

	writeMu sync.Mutex

	tasksMu sync.Mutex
	tasks   map[string]*Task

	deadMu     sync.Mutex
	deadReason string

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// ServiceOption configures a Service at construction time.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	logger logging.Logger
}

// WithLogger overrides the Logger used for this Service's lifecycle
// events. Defaults to logging.Nop() if not given.
func WithLogger(l logging.Logger) ServiceOption {
	return func(c *serviceConfig) { c.logger = l }
}

// newService spawns the child process as launchArgs followed by
// workerCmd: when launchArgs is non-empty, its first element (e.g. an
// activation wrapper like "pixi") is the executable, and workerCmd is
// appended as arguments to it. When launchArgs is empty, workerCmd[0]
// is the executable directly. binPaths are placed at the front of
// PATH, and envVars are merged over the inherited environment.
func newService(workerCmd []string, binPaths []string, launchArgs []string, envVars map[string]string, opts ...ServiceOption) (*Service, error) {
	if len(workerCmd) == 0 {
		return nil, errors.New("appose: worker command must not be empty")
	}

	cfg := serviceConfig{logger: logging.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	full := append(append([]string{}, launchArgs...), workerCmd...)
	cmd := exec.Command(full[0], full[1:]...)
	cmd.Env = mergedEnv(binPaths, envVars)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &IOError{Op: "open stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &IOError{Op: "open stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &IOError{Op: "open stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &IOError{Op: "start worker process", Err: err}
	}

	svc := &Service{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: cfg.logger.With(logging.String("pid", strconv.Itoa(cmd.Process.Pid))),
		tasks:  make(map[string]*Task),
		done:   make(chan struct{}),
	}

	metrics.ServicesActive.Inc()
	svc.logger.Info("worker started", logging.Any("args", cmd.Args))

	go svc.readStdout()
	go svc.drainStderr()

	return svc, nil
}

// mergedEnv builds the child process environment: binPaths prepended
// to PATH, then envVars applied over the inherited environment.
func mergedEnv(binPaths []string, envVars map[string]string) []string {
	base := os.Environ()
	if len(binPaths) > 0 {
		pathVar := "PATH"
		if runtime.GOOS == "windows" {
			pathVar = "Path"
		}
		prefix := strings.Join(binPaths, string(os.PathListSeparator))
		existing := os.Getenv(pathVar)
		merged := prefix
		if existing != "" {
			merged = prefix + string(os.PathListSeparator) + existing
		}
		base = setEnvVar(base, pathVar, merged)
	}
	for k, v := range envVars {
		base = setEnvVar(base, k, v)
	}
	return base
}

func setEnvVar(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// Task creates a new Task bound to this Service. The task is not
// started until its Start method is called. Fails fast with
// *IllegalStateError once the Service has crashed or been closed.
func (s *Service) Task(script string, inputs map[string]any) (*Task, error) {
	s.deadMu.Lock()
	reason := s.deadReason
	s.deadMu.Unlock()
	if reason != "" {
		return nil, &IllegalStateError{Reason: "appose: service is dead: " + reason}
	}

	t := newTask(s, uuid.NewString(), script, inputs)
	s.tasksMu.Lock()
	s.tasks[t.UUID] = t
	s.tasksMu.Unlock()
	return t, nil
}

// sendRequest serializes req as a single JSON line and writes it to the
// worker's stdin, serialized against concurrent writers from other
// tasks sharing this Service.
func (s *Service) sendRequest(req map[string]any) error {
	line, err := Encode(req)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		return &IOError{Op: "write request", Err: err}
	}
	return nil
}

// readStdout is the single reader goroutine for the worker's stdout:
// one JSON response per line, dispatched to the task it names. On EOF
// (or a read error), every still-live task is crashed, mirroring
// GandalftheGUI-grove's instance.go ptyReader EOF handling generalized
// from a single-instance state machine to a task map.
func (s *Service) readStdout() {
	defer close(s.done)
	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.dispatch(line)
	}
	s.logger.Warn("worker stdout closed")
	s.markDead("worker process exited unexpectedly")
	s.crashAllTasks("worker process exited unexpectedly")
}

func (s *Service) markDead(reason string) {
	s.deadMu.Lock()
	if s.deadReason == "" {
		s.deadReason = reason
	}
	s.deadMu.Unlock()
}

func (s *Service) dispatch(line []byte) {
	decoded, err := Decode(line)
	if err != nil {
		perr := &ProtocolError{Line: string(line), Err: err}
		s.logger.Error("malformed response line", logging.Err(perr))
		return
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		perr := &ProtocolError{Line: string(line)}
		s.logger.Error("response line is not a JSON object", logging.Err(perr))
		return
	}
	taskUUID, _ := obj["task"].(string)
	responseTypeStr, _ := obj["responseType"].(string)
	if taskUUID == "" || responseTypeStr == "" {
		perr := &ProtocolError{Line: string(line)}
		s.logger.Error("response missing task or responseType", logging.Err(perr))
		return
	}

	s.tasksMu.Lock()
	t, ok := s.tasks[taskUUID]
	s.tasksMu.Unlock()
	if !ok {
		s.logger.Warn("response for unknown task", logging.String("task", taskUUID))
		return
	}
	t.handleResponse(ResponseType(responseTypeStr), obj)
}

func (s *Service) crashAllTasks(reason string) {
	s.tasksMu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.tasksMu.Unlock()
	for _, t := range tasks {
		t.crash(reason)
	}
}

// drainStderr logs the worker's stderr line by line, matching grove's
// convention that an agent's secondary stream is consumed for
// diagnostics rather than being part of the primary protocol.
func (s *Service) drainStderr() {
	scanner := bufio.NewScanner(s.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Info("worker stderr", logging.String("line", scanner.Text()))
	}
}

// Close requests a graceful shutdown: stdin is closed (so a
// well-behaved worker sees EOF on its request stream and exits on its
// own), and Close waits up to shutdownGrace before force-killing the
// process. Idempotent; safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.doClose()
	})
	return s.closeErr
}

func (s *Service) doClose() error {
	s.markDead("service closed")
	_ = s.stdin.Close()

	select {
	case <-s.done:
	case <-time.After(shutdownGrace):
		s.logger.Warn("worker did not exit within grace period, killing")
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.done
	}

	err := s.cmd.Wait()
	metrics.ServicesActive.Dec()
	s.logger.Info("worker stopped")

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return &IOError{Op: "wait for worker process", Err: err}
	}
	return nil
}
