// Package transport moves bytes between the host and a MicroPython
// interpreter: either a physical serial port or a local subprocess's
// stdio. It owns the underlying OS resource exclusively and guarantees
// at most one outstanding read and one outstanding write at any time;
// everything above this layer (the Raw REPL engine) assumes that.
package transport

import (
	"context"

	"github.com/wybiral/pymote/pkg/pyerr"
)

// Transport is the byte-stream contract the Raw REPL engine drives.
// Implementations must make Read cancellable via ctx and must not
// return partial writes as success from WriteAll.
type Transport interface {
	// Open acquires the OS resource. Fails with a TransportError whose
	// Code is TransportUnavailable if the path/executable is missing
	// or locked.
	Open(ctx context.Context) error

	// Read reads up to len(buf) bytes. It returns n == 0 only on EOF;
	// it returns a *pyerr.TransportError (Code Io or Cancelled) on
	// failure.
	Read(ctx context.Context, buf []byte) (int, error)

	// WriteAll writes every byte in p or fails; partial writes are
	// retried internally and never surfaced to the caller.
	WriteAll(ctx context.Context, p []byte) error

	// Close releases the OS resource. Idempotent.
	Close() error
}

// unavailable wraps err as a TransportError with Code TransportUnavailable.
func unavailable(err error) error {
	return &pyerr.TransportError{Code: pyerr.TransportUnavailable, Err: err}
}

// ioErr wraps err as a TransportError with Code TransportIO.
func ioErr(err error) error {
	return &pyerr.TransportError{Code: pyerr.TransportIO, Err: err}
}

// cancelled builds a TransportError with Code TransportCancelled.
func cancelled() error {
	return &pyerr.TransportError{Code: pyerr.TransportCancelled}
}
