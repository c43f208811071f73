package engine

import (
	"bytes"
	"context"

	"github.com/wybiral/pymote/pkg/pyerr"
)

// nextByte returns the next byte from e.pending, topping it up from the
// Transport when empty. It is the single place that talks to Transport
// for reads, so cancellation and Broken-marking stay centralized.
func (e *Engine) nextByte(ctx context.Context) (byte, error) {
	for len(e.pending) == 0 {
		buf := make([]byte, recvBufSize)
		n, err := e.t.Read(ctx, buf)
		if err != nil {
			// A cancelled read is left for the caller to interpret:
			// during Executing it means "try INTERRUPT + drain", not
			// an immediate fatal condition (Cancellation).
			if !isCancelled(err) {
				e.state = StateBroken
			}
			return 0, err
		}
		if n == 0 {
			e.state = StateBroken
			return 0, &pyerr.TransportError{Code: pyerr.TransportIO, Err: errEOF}
		}
		e.pending = buf[:n]
	}
	b := e.pending[0]
	e.pending = e.pending[1:]
	return b, nil
}

// isCancelled reports whether err is a TransportError carrying
// TransportCancelled.
func isCancelled(err error) bool {
	te, ok := err.(*pyerr.TransportError)
	return ok && te.Code == pyerr.TransportCancelled
}

var errEOF = errString("unexpected EOF from device")

type errString string

func (e errString) Error() string { return string(e) }

// readExact reads exactly n bytes.
func (e *Engine) readExact(ctx context.Context, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		b, err := e.nextByte(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// readUntilByte reads bytes one at a time until it sees terminator,
// returning everything read before it (terminator excluded, not
// consumed into the result). Used for the positional 0x04 counting
// requires.
func (e *Engine) readUntilByte(ctx context.Context, terminator byte) ([]byte, error) {
	out := make([]byte, 0, 64)
	for {
		b, err := e.nextByte(ctx)
		if err != nil {
			return nil, err
		}
		if b == terminator {
			return out, nil
		}
		out = append(out, b)
	}
}

// readUntilSuffix reads bytes one at a time until the accumulated data
// ends with suffix, or ctx is done. If w is non-nil each byte is also
// appended to w's buffer as it arrives (used when the caller wants to
// stream bytes rather than only receive them at the end).
func (e *Engine) readUntilSuffix(ctx context.Context, suffix []byte, w *[]byte) ([]byte, error) {
	out := make([]byte, 0, len(suffix)*2)
	for {
		b, err := e.nextByte(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
		if w != nil {
			*w = append(*w, b)
		}
		if bytes.HasSuffix(out, suffix) {
			return out, nil
		}
	}
}
