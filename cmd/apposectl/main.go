// Command apposectl is a small demo/debugging CLI for appose,
// following the flag.NewFlagSet-per-subcommand style of
// GandalftheGUI-grove's cmd/catherd and cmd/catherdd.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	appose "github.com/apposed/appose-go"
	"github.com/apposed/appose-go/logging"
	"github.com/apposed/appose-go/shm"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "shm":
		err = shmCommand(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "apposectl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: apposectl <run|shm> [flags]")
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	envDir := fs.String("env", "", "environment directory (containing environment.yaml)")
	workerCmd := fs.String("worker", "", "worker command, e.g. \"exampleworker\"")
	script := fs.String("script", "", "script name to execute")
	inputFlags := fs.String("input", "", "comma-separated key=value pairs, e.g. a=1,b=2")
	timeout := fs.Duration("timeout", 30*time.Second, "maximum time to wait for task completion")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workerCmd == "" || *script == "" {
		return fmt.Errorf("run requires -worker and -script")
	}

	var env *appose.Environment
	if *envDir != "" {
		e, err := appose.LoadEnvironment(*envDir)
		if err != nil {
			return err
		}
		env = e
	} else {
		env = appose.NewEnvironment(".", nil, nil, nil)
	}

	logger := logging.New(logging.InfoLevel)
	svc, err := env.Service(strings.Fields(*workerCmd), appose.WithLogger(logger))
	if err != nil {
		return err
	}
	defer svc.Close()

	task, err := svc.Task(*script, parseInputs(*inputFlags))
	if err != nil {
		return err
	}
	if err := task.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := task.WaitForContext(ctx); err != nil {
		return fmt.Errorf("task did not finish: %w", err)
	}

	fmt.Printf("status: %s\n", task.Status())
	if outputs := task.Outputs(); outputs != nil {
		fmt.Printf("outputs: %v\n", outputs)
	}
	if taskErr := task.Error(); taskErr != nil {
		fmt.Printf("error: %s\n", taskErr)
	}
	return nil
}

func parseInputs(spec string) map[string]any {
	inputs := map[string]any{}
	if spec == "" {
		return inputs
	}
	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		inputs[kv[0]] = kv[1]
	}
	return inputs
}

func shmCommand(args []string) error {
	fs := flag.NewFlagSet("shm", flag.ExitOnError)
	if len(args) == 0 {
		fs.Usage()
		return fmt.Errorf("shm requires a subcommand: create|inspect")
	}
	sub := args[0]
	name := fs.String("name", "", "segment name (empty to auto-generate)")
	size := fs.Int64("size", 0, "segment size in bytes")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	switch sub {
	case "create":
		h, err := shm.Create(*name, *size)
		if err != nil {
			return err
		}
		defer h.Close()
		fmt.Printf("created shm %q (%d bytes)\n", h.Name(), h.Size())
		return nil
	case "inspect":
		h, err := shm.Attach(*name, *size)
		if err != nil {
			return err
		}
		defer h.Close()
		fmt.Printf("attached shm %q (%d bytes)\n", h.Name(), h.Size())
		return nil
	default:
		return fmt.Errorf("unknown shm subcommand %q", sub)
	}
}
