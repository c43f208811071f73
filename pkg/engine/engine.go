// Package engine implements the Raw REPL / Raw-Paste protocol state
// machine: entering and exiting MicroPython's raw REPL,
// adaptively choosing between classic Raw framing and window-controlled
// Raw-Paste framing, and parsing the interleaved stdout/result/
// traceback byte streams that come back. The engine is source-agnostic:
// it frames and ships whatever bytes its caller (Device Session) gives
// it and never interprets Python.
package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wybiral/pymote/pkg/pyerr"
	"github.com/wybiral/pymote/pkg/pylog"
	"github.com/wybiral/pymote/pkg/transport"
)

// Control bytes used by the raw REPL state machine.
const (
	ctrlInterrupt byte = 0x03
	ctrlEOF       byte = 0x04
	ctrlEnterRaw  byte = 0x01
	ctrlExitRaw   byte = 0x02
	ctrlRawPaste  byte = 0x05
)

var (
	friendlyPrompt   = []byte("\r\n>>> ")
	rawBanner        = []byte("raw REPL; CTRL-B to exit\r\n>")
	okAck            = []byte("OK")
	tracebackPrefix  = []byte("Traceback (most recent call last):")
	softRebootBanner = []byte("soft reboot\r\n")
)

// defaultWindow is the raw-paste window size assumed before the device
// tells us otherwise.
const defaultWindow = 256

// recvBufSize bounds the chunk size of a single underlying Transport.Read.
const recvBufSize = 4096

// bootRetryDelays are the increasing delays between the Unknown->Friendly
// bootstrap attempts.
var bootRetryDelays = []time.Duration{100 * time.Millisecond, 250 * time.Millisecond, 500 * time.Millisecond}

// promptTimeout bounds a single attempt at reading an expected prompt or
// banner; exceeding it counts as a mismatch for retry purposes.
const promptTimeout = 2 * time.Second

// cancelDrainBudget bounds how long a cancellation drain may take before
// the session is declared Broken.
const cancelDrainBudget = 2 * time.Second

// State is one of the Raw REPL engine's six states.
type State int

const (
	StateUnknown State = iota
	StateFriendly
	StateRaw
	StateRawPaste
	StateExecuting
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateFriendly:
		return "friendly"
	case StateRaw:
		return "raw"
	case StateRawPaste:
		return "raw_paste"
	case StateExecuting:
		return "executing"
	case StateBroken:
		return "broken"
	default:
		return "invalid"
	}
}

// RawPasteSupport is the tri-state support flag cached for the session
// lifetime after the first probe.
type RawPasteSupport int

const (
	RawPasteUnknown RawPasteSupport = iota
	RawPasteYes
	RawPasteNo
)

// Result is the ordered triple described in stdout bytes,
// result bytes, and error info iff the device emitted a traceback block.
type Result struct {
	Stdout []byte
	Result []byte
	Err    *pyerr.ExecutionError
}

// Engine drives one Transport through the Raw REPL / Raw-Paste protocol.
// It is a critical section: at most one Execute call is ever in flight,
// enforced by sem rather than relying on single-goroutine convention.
type Engine struct {
	t   transport.Transport
	log *slog.Logger
	sem *semaphore.Weighted

	state     State
	rawPaste  RawPasteSupport
	window    int
	pending   []byte // unconsumed bytes from the last Transport.Read
}

// New constructs an Engine bound to t. The engine starts in StateUnknown;
// callers must run Connect before Execute.
func New(t transport.Transport, log *slog.Logger) *Engine {
	return &Engine{
		t:      t,
		log:    pylog.New(log),
		sem:    semaphore.NewWeighted(1),
		state:  StateUnknown,
		window: defaultWindow,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State { return e.state }

// RawPasteSupported returns the cached tri-state raw-paste support flag.
func (e *Engine) RawPasteSupported() RawPasteSupport { return e.rawPaste }

// Connect runs Unknown -> Friendly -> Raw. It does not probe raw-paste;
// callers (normally Device Session) call ProbeRawPaste separately so the
// probe is visible as its own, single, capability-detection-adjacent
// step: connect() probes raw-paste support exactly once.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.toFriendly(ctx); err != nil {
		e.state = StateBroken
		return err
	}
	if err := e.toRaw(ctx); err != nil {
		e.state = StateBroken
		return err
	}
	return nil
}

// toFriendly implements Unknown -> Friendly: send INTERRUPT
// twice then CR, read until the trailing ">>> " prompt, retrying with
// increasing delays up to the bootRetryDelays budget.
func (e *Engine) toFriendly(ctx context.Context) error {
	var lastErr error
	attempts := len(bootRetryDelays) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, bootRetryDelays[attempt-1]); err != nil {
				return err
			}
		}
		if err := e.write(ctx, []byte{ctrlInterrupt, ctrlInterrupt, '\r'}); err != nil {
			return err
		}
		aCtx, cancel := context.WithTimeout(ctx, promptTimeout)
		_, err := e.readUntilSuffix(aCtx, friendlyPrompt, nil)
		cancel()
		if err == nil {
			e.state = StateFriendly
			return nil
		}
		lastErr = err
		e.log.Warn("friendly prompt not observed, retrying", "attempt", attempt+1, "err", err)
	}
	return &pyerr.ProtocolError{Reason: fmt.Sprintf("friendly prompt never observed: %v", lastErr)}
}

// toRaw implements Friendly -> Raw: send ENTER_RAW, expect
// the exact banner; on mismatch retry once via Friendly.
func (e *Engine) toRaw(ctx context.Context) error {
	for attempt := 0; attempt < 2; attempt++ {
		if err := e.write(ctx, []byte{ctrlEnterRaw}); err != nil {
			return err
		}
		aCtx, cancel := context.WithTimeout(ctx, promptTimeout)
		_, err := e.readUntilSuffix(aCtx, rawBanner, nil)
		cancel()
		if err == nil {
			e.state = StateRaw
			return nil
		}
		e.log.Warn("raw banner mismatch, retrying via friendly", "attempt", attempt+1, "err", err)
		if rerr := e.toFriendly(ctx); rerr != nil {
			return rerr
		}
	}
	return &pyerr.ProtocolError{Reason: "raw banner mismatch twice"}
}

// ProbeRawPaste performs the once-per-session raw-paste capability
// probe. It must be called while
// the engine is in StateRaw. After it returns, RawPasteSupported()
// reflects the device's answer for the rest of the session.
func (e *Engine) ProbeRawPaste(ctx context.Context) error {
	if !e.sem.TryAcquire(1) {
		return &pyerr.ProtocolError{Reason: "engine busy"}
	}
	defer e.sem.Release(1)
	return e.probeRawPasteLocked(ctx)
}

func (e *Engine) probeRawPasteLocked(ctx context.Context) error {
	if e.state != StateRaw {
		return &pyerr.ProtocolError{Reason: fmt.Sprintf("probe requires Raw state, have %s", e.state)}
	}
	if err := e.write(ctx, []byte{ctrlRawPaste, 'A', 0x01}); err != nil {
		return err
	}
	ack, err := e.readExact(ctx, 2)
	if err != nil {
		return err
	}
	switch {
	case bytes.Equal(ack, []byte("R\x00")):
		e.rawPaste = RawPasteNo
		return nil
	case bytes.Equal(ack, []byte("R\x01")):
		wbuf, err := e.readExact(ctx, 2)
		if err != nil {
			return err
		}
		window := int(binary.LittleEndian.Uint16(wbuf))
		eofByte, err := e.readExact(ctx, 1)
		if err != nil {
			return err
		}
		if eofByte[0] != ctrlEOF {
			e.state = StateBroken
			return &pyerr.ProtocolError{Reason: "raw-paste probe missing trailing EOF byte"}
		}
		e.rawPaste = RawPasteYes
		e.window = window
		// The probe handshake left the device waiting for a code
		// block; send an empty one immediately so the device returns
		// to Raw the same way a real (trivial) execution would.
		e.state = StateRawPaste
		if _, _, err := e.finishRawPaste(ctx, nil); err != nil {
			return err
		}
		return nil
	default:
		e.state = StateBroken
		return &pyerr.ProtocolError{Reason: fmt.Sprintf("unexpected raw-paste ack %q", ack)}
	}
}

// Execute runs code and returns its parsed Result.
// It chooses classic or raw-paste framing based on the cached
// RawPasteSupported flag, probing lazily if it has never been set.
func (e *Engine) Execute(ctx context.Context, code []byte) (Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{}, &pyerr.ExecutionError{Kind: pyerr.ExecCancelled}
	}
	defer e.sem.Release(1)

	if e.state == StateBroken {
		return Result{}, pyerr.ErrBroken
	}
	if e.state != StateRaw {
		return Result{}, &pyerr.ProtocolError{Reason: fmt.Sprintf("execute requires Raw state, have %s", e.state)}
	}
	if e.rawPaste == RawPasteUnknown {
		if err := e.probeRawPasteLocked(ctx); err != nil {
			return Result{}, err
		}
	}

	var stdout, result []byte
	var err error
	if e.rawPaste == RawPasteYes {
		stdout, result, err = e.executeRawPaste(ctx, code)
	} else {
		stdout, result, err = e.executeClassic(ctx, code)
	}
	if err != nil {
		if isCancelled(err) {
			return Result{}, e.cancelRecoverLocked()
		}
		return Result{}, err
	}
	res := Result{Stdout: stdout, Result: result}
	if bytes.HasPrefix(result, tracebackPrefix) {
		res.Err = &pyerr.ExecutionError{Kind: pyerr.ExecDevice, Traceback: string(result)}
	}
	return res, nil
}

// executeClassic implements Raw -> Executing -> Raw via classic-mode
// framing, applying the one-automatic-retry policy on an ack mismatch.
func (e *Engine) executeClassic(ctx context.Context, code []byte) (stdout, result []byte, err error) {
	return e.executeClassicAttempt(ctx, code, 0)
}

// executeClassicAttempt is executeClassic's body, threading a retry
// counter so a second consecutive ack mismatch forces the engine
// Broken instead of resyncing and retrying forever.
func (e *Engine) executeClassicAttempt(ctx context.Context, code []byte, attempt int) (stdout, result []byte, err error) {
	if err := e.write(ctx, code); err != nil {
		return nil, nil, err
	}
	if err := e.write(ctx, []byte{ctrlEOF}); err != nil {
		return nil, nil, err
	}
	e.state = StateExecuting
	ack, err := e.readExact(ctx, 2)
	if err != nil {
		return e.retryClassic(ctx, code, attempt, err)
	}
	if !bytes.Equal(ack, okAck) {
		mismatch := &pyerr.ProtocolError{Reason: fmt.Sprintf("expected OK ack, got %q", ack)}
		return e.retryClassic(ctx, code, attempt, mismatch)
	}
	return e.readClassicOutput(ctx)
}

// retryClassic resyncs Friendly -> Raw and retries once on the first
// mismatch (attempt == 0); a second consecutive mismatch marks the
// engine Broken and returns cause rather than retrying again.
func (e *Engine) retryClassic(ctx context.Context, code []byte, attempt int, cause error) (stdout, result []byte, err error) {
	if attempt > 0 {
		e.state = StateBroken
		return nil, nil, cause
	}
	if retryErr := e.recoverFromProtocolError(ctx, cause); retryErr != nil {
		return nil, nil, retryErr
	}
	return e.executeClassicAttempt(ctx, code, attempt+1)
}

// executeRawPaste implements Raw -> RawPaste -> Executing -> Raw with
// window-based flow control.
func (e *Engine) executeRawPaste(ctx context.Context, code []byte) (stdout, result []byte, err error) {
	if err := e.write(ctx, []byte{ctrlRawPaste, 'A', 0x01}); err != nil {
		return nil, nil, err
	}
	ack, err := e.readExact(ctx, 2)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(ack, []byte("R\x01")) {
		e.state = StateBroken
		return nil, nil, &pyerr.ProtocolError{Reason: fmt.Sprintf("raw-paste re-request refused: %q", ack)}
	}
	wbuf, err := e.readExact(ctx, 2)
	if err != nil {
		return nil, nil, err
	}
	window := int(binary.LittleEndian.Uint16(wbuf))
	eofByte, err := e.readExact(ctx, 1)
	if err != nil {
		return nil, nil, err
	}
	if eofByte[0] != ctrlEOF {
		e.state = StateBroken
		return nil, nil, &pyerr.ProtocolError{Reason: "raw-paste missing trailing EOF byte"}
	}
	e.window = window
	e.state = StateRawPaste
	return e.finishRawPaste(ctx, code)
}

// finishRawPaste writes code in windowed chunks, honoring flow-control
// credit, then follows classic output framing.
func (e *Engine) finishRawPaste(ctx context.Context, code []byte) (stdout, result []byte, err error) {
	credit := e.window
	i := 0
	for i < len(code) {
		n := credit
		if remaining := len(code) - i; n > remaining {
			n = remaining
		}
		if n > 0 {
			if err := e.write(ctx, code[i:i+n]); err != nil {
				return nil, nil, err
			}
			i += n
			credit -= n
		}
		if credit == 0 {
			b, err := e.readExact(ctx, 1)
			if err != nil {
				return nil, nil, err
			}
			switch b[0] {
			case 0x01:
				credit += e.window
			case ctrlEOF:
				if werr := e.write(ctx, []byte{ctrlEOF}); werr != nil {
					return nil, nil, werr
				}
				e.state = StateRaw
				return nil, nil, &pyerr.ExecutionError{Kind: pyerr.ExecRefused}
			default:
				e.state = StateBroken
				return nil, nil, &pyerr.ProtocolError{Reason: fmt.Sprintf("unexpected byte %#x during raw-paste window wait", b[0])}
			}
		}
	}
	if err := e.write(ctx, []byte{ctrlEOF}); err != nil {
		return nil, nil, err
	}
	e.state = StateExecuting
	return e.readClassicOutput(ctx)
}

// readClassicOutput consumes the two 0x04-delimited sections and the
// trailing raw prompt, using positional counting as requires
// (a lone 0x04 cannot be distinguished from content by value alone).
func (e *Engine) readClassicOutput(ctx context.Context) (stdout, result []byte, err error) {
	stdout, err = e.readUntilByte(ctx, ctrlEOF)
	if err != nil {
		return nil, nil, err
	}
	result, err = e.readUntilByte(ctx, ctrlEOF)
	if err != nil {
		return nil, nil, err
	}
	prompt, err := e.readExact(ctx, 1)
	if err != nil {
		return nil, nil, err
	}
	if prompt[0] != '>' {
		e.state = StateBroken
		return nil, nil, &pyerr.ProtocolError{Reason: fmt.Sprintf("expected raw prompt, got %q", prompt)}
	}
	e.state = StateRaw
	return stdout, result, nil
}

// recoverFromProtocolError implements the "one automatic retry via
// Friendly -> Raw" policy: it returns nil if recovery
// succeeded (caller should retry the whole operation once), or a
// terminal error if the session is now Broken.
func (e *Engine) recoverFromProtocolError(ctx context.Context, cause error) error {
	e.log.Warn("protocol error, retrying once via friendly", "err", cause)
	if err := e.toFriendly(ctx); err != nil {
		e.state = StateBroken
		return err
	}
	if err := e.toRaw(ctx); err != nil {
		e.state = StateBroken
		return err
	}
	return nil
}

// cancelRecoverLocked implements "Cancellation during
// Executing": send INTERRUPT and drain until the friendly prompt using
// a detached, budget-bounded context (the caller's ctx is already
// cancelled, so it cannot be reused for the recovery I/O itself), then
// re-enter Raw. Always returns a non-nil error: ExecutionError{Cancelled}
// if recovery succeeded and the engine is usable again, or a fatal
// error (engine now Broken) if the drain budget was exceeded.
func (e *Engine) cancelRecoverLocked() error {
	dCtx, cancel := context.WithTimeout(context.Background(), cancelDrainBudget)
	defer cancel()
	if err := e.write(dCtx, []byte{ctrlInterrupt}); err != nil {
		e.state = StateBroken
		return err
	}
	if _, err := e.readUntilSuffix(dCtx, friendlyPrompt, nil); err != nil {
		e.state = StateBroken
		return err
	}
	if err := e.toRaw(dCtx); err != nil {
		e.state = StateBroken
		return err
	}
	return &pyerr.ExecutionError{Kind: pyerr.ExecCancelled}
}

// Cancel proactively triggers the same INTERRUPT + drain recovery from
// outside an in-flight Execute call (e.g. a supervisory watchdog). It
// acquires the engine's critical section itself.
func (e *Engine) Cancel(ctx context.Context) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return &pyerr.ExecutionError{Kind: pyerr.ExecCancelled}
	}
	defer e.sem.Release(1)
	if e.state != StateExecuting && e.state != StateRawPaste {
		return nil
	}
	return e.cancelRecoverLocked()
}

// Close transitions any -> Friendly (, guaranteed on session
// close) and is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	if e.state == StateBroken || e.state == StateFriendly || e.state == StateUnknown {
		return nil
	}
	if err := e.write(ctx, []byte{ctrlExitRaw}); err != nil {
		e.state = StateBroken
		return err
	}
	if _, err := e.readUntilSuffix(ctx, friendlyPrompt, nil); err != nil {
		e.state = StateBroken
		return err
	}
	e.state = StateFriendly
	return nil
}

// SoftReboot sends ctrl-D (EOF) while in Friendly or Raw, waits for the
// "soft reboot" banner, then re-enters Raw.
func (e *Engine) SoftReboot(ctx context.Context) error {
	wasRaw := e.state == StateRaw
	if err := e.write(ctx, []byte{ctrlEOF}); err != nil {
		return err
	}
	if _, err := e.readUntilSuffix(ctx, softRebootBanner, nil); err != nil {
		e.state = StateBroken
		return &pyerr.ProtocolError{Reason: fmt.Sprintf("soft reboot banner not observed: %v", err)}
	}
	e.rawPaste = RawPasteUnknown
	if wasRaw {
		if _, err := e.readUntilSuffix(ctx, rawBanner, nil); err != nil {
			e.state = StateBroken
			return err
		}
		e.state = StateRaw
		return nil
	}
	if _, err := e.readUntilSuffix(ctx, friendlyPrompt, nil); err != nil {
		e.state = StateBroken
		return err
	}
	e.state = StateFriendly
	return nil
}

func (e *Engine) write(ctx context.Context, p []byte) error {
	if err := e.t.WriteAll(ctx, p); err != nil {
		if !isCancelled(err) {
			e.state = StateBroken
		}
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return &pyerr.ExecutionError{Kind: pyerr.ExecCancelled}
	case <-t.C:
		return nil
	}
}
