// Package faketransport is an in-memory stand-in for a real device,
// used to drive engine and session tests without serial hardware —
// mirroring how GetGreenlight-greenlight-cli's testdata/mock_claude.go
// mocks a subprocess peer for its own transport tests.
package faketransport

import (
	"context"
	"io"
	"sync"

	"github.com/wybiral/pymote/pkg/pyerr"
)

// Fake is a Transport backed by two in-memory pipes: ToDevice carries
// bytes the code-under-test writes (readable by a test's "device"
// goroutine), fromDevW carries bytes a test's "device" goroutine
// writes back (readable by the code-under-test).
type Fake struct {
	ToDevice   *io.PipeWriter
	fromDevR   *io.PipeReader
	devR       *io.PipeReader
	fromDevW   *io.PipeWriter
	closed     bool
	mu         sync.Mutex
}

// New builds a connected pair: use Device() from the test goroutine
// that plays the role of the MicroPython interpreter.
func New() *Fake {
	devR, toDevice := io.Pipe()
	fromDevR, fromDevW := io.Pipe()
	return &Fake{
		ToDevice: toDevice,
		devR:     devR,
		fromDevR: fromDevR,
		fromDevW: fromDevW,
	}
}

// Device returns the peer endpoint: reads see what the core wrote,
// writes are what the core will read.
func (f *Fake) Device() (io.Reader, io.Writer) {
	return f.devR, f.fromDevW
}

func (f *Fake) Open(ctx context.Context) error { return nil }

func (f *Fake) Read(ctx context.Context, buf []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			// An empty Write on the device side arrives as a (0, nil)
			// pipe read; skip it so n == 0 still means EOF only.
			n, err := f.fromDevR.Read(buf)
			if n == 0 && err == nil {
				continue
			}
			ch <- result{n, err}
			return
		}
	}()
	select {
	case <-ctx.Done():
		return 0, &pyerr.TransportError{Code: pyerr.TransportCancelled}
	case r := <-ch:
		if r.err == io.EOF {
			return r.n, nil
		}
		if r.err != nil {
			return r.n, &pyerr.TransportError{Code: pyerr.TransportIO, Err: r.err}
		}
		return r.n, nil
	}
}

func (f *Fake) WriteAll(ctx context.Context, p []byte) error {
	type result struct{ err error }
	ch := make(chan result, 1)
	go func() {
		_, err := f.ToDevice.Write(p)
		ch <- result{err}
	}()
	select {
	case <-ctx.Done():
		return &pyerr.TransportError{Code: pyerr.TransportCancelled}
	case r := <-ch:
		if r.err != nil {
			return &pyerr.TransportError{Code: pyerr.TransportIO, Err: r.err}
		}
		return nil
	}
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.ToDevice.Close()
	f.fromDevW.Close()
	return nil
}
