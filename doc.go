// Package appose provides cooperating computation across language runtimes
// running as separate operating-system processes.
//
// A calling program builds an Environment (a self-contained set of
// executables and dependencies), asks it for a Service (a worker
// subprocess running inside that environment), and dispatches Tasks that
// execute scripts in the worker's language. Progress, results,
// cancelation and failure are reported back asynchronously over a
// full-duplex, line-framed JSON channel on the worker's stdin/stdout.
// Bulk numeric data rides over named shared-memory segments (package
// shm) using the ndarray wire convention rather than the JSON channel
// itself.
//
// Building an Environment (resolving a package manager, extracting an
// archive, downloading a toolchain) is out of scope for this package;
// Environment here is a read-only view over the result of that process.
// The concrete worker programs in target scripting languages are out of
// scope too — this package defines the contract they must implement
// (see package worker and cmd/exampleworker for a minimal Go reference).
package appose
