// Command exampleworker is a minimal Appose worker used by this
// module's own tests and by cmd/apposectl's demo command. It speaks
// the same stdin/stdout JSON-line protocol a real Python or Java
// Appose worker would, but understands only the handful of scripts
// package worker implements.
package main

import (
	"fmt"
	"os"

	"github.com/apposed/appose-go/worker"
)

func main() {
	if err := worker.Run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "exampleworker:", err)
		os.Exit(1)
	}
}
