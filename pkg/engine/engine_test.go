package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wybiral/pymote/pkg/pyerr"
	"github.com/wybiral/pymote/pkg/transport/faketransport"
)

// scriptedResponse is one classic-framed (stdout, result) pair the fake
// device sends back after an "OK" ack.
type scriptedResponse struct {
	stdout []byte
	result []byte
}

// runFakeDevice plays the device side of the Raw REPL handshake and
// then answers each scripted response in order, using classic framing
// throughout (the window re-request handshake is also driven when
// rawPaste is true, since the probe and every subsequent Execute both
// perform it).
func runFakeDevice(t *testing.T, f *faketransport.Fake, rawPaste bool, responses []scriptedResponse) {
	r, w := f.Device()
	br := bufio.NewReader(r)
	go func() {
		if _, err := io.ReadFull(br, make([]byte, 3)); err != nil { // 0x03 0x03 '\r'
			t.Errorf("fake device: reading interrupt sequence: %v", err)
			return
		}
		if _, err := w.Write([]byte("\r\n>>> ")); err != nil {
			t.Errorf("fake device: writing friendly prompt: %v", err)
			return
		}
		if _, err := io.ReadFull(br, make([]byte, 1)); err != nil { // ENTER_RAW
			t.Errorf("fake device: reading enter-raw: %v", err)
			return
		}
		if _, err := w.Write([]byte("raw REPL; CTRL-B to exit\r\n>")); err != nil {
			t.Errorf("fake device: writing raw banner: %v", err)
			return
		}
		if _, err := io.ReadFull(br, make([]byte, 3)); err != nil { // 0x05 'A' 0x01
			t.Errorf("fake device: reading raw-paste probe: %v", err)
			return
		}
		if !rawPaste {
			w.Write([]byte("R\x00"))
		} else {
			writeRawPasteAck(w)
			// probe's own finishRawPaste sends empty code, i.e. just EOF.
			if _, err := io.ReadFull(br, make([]byte, 1)); err != nil {
				t.Errorf("fake device: reading probe EOF: %v", err)
				return
			}
			w.Write([]byte{ctrlEOF, ctrlEOF, '>'})
		}

		for _, resp := range responses {
			if rawPaste {
				if _, err := io.ReadFull(br, make([]byte, 3)); err != nil {
					t.Errorf("fake device: reading raw-paste re-request: %v", err)
					return
				}
				writeRawPasteAck(w)
				if _, err := br.ReadBytes(ctrlEOF); err != nil {
					t.Errorf("fake device: reading pasted code: %v", err)
					return
				}
			} else {
				if _, err := br.ReadBytes(ctrlEOF); err != nil {
					t.Errorf("fake device: reading classic code: %v", err)
					return
				}
				w.Write([]byte("OK"))
			}
			w.Write(resp.stdout)
			w.Write([]byte{ctrlEOF})
			w.Write(resp.result)
			w.Write([]byte{ctrlEOF})
			w.Write([]byte{'>'})
		}
	}()
}

func writeRawPasteAck(w io.Writer) {
	w.Write([]byte("R\x01"))
	wb := make([]byte, 2)
	binary.LittleEndian.PutUint16(wb, 256)
	w.Write(wb)
	w.Write([]byte{ctrlEOF})
}

func connectedEngine(t *testing.T, rawPaste bool, responses []scriptedResponse) (*Engine, context.Context) {
	t.Helper()
	f := faketransport.New()
	runFakeDevice(t, f, rawPaste, responses)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(f, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := e.ProbeRawPaste(ctx); err != nil {
		t.Fatalf("ProbeRawPaste: %v", err)
	}
	if e.State() != StateRaw {
		t.Fatalf("state after connect = %s, want raw", e.State())
	}
	return e, ctx
}

func TestConnectEntersRawAndProbesOnce(t *testing.T) {
	e, _ := connectedEngine(t, false, nil)
	if e.RawPasteSupported() != RawPasteNo {
		t.Fatalf("RawPasteSupported() = %v, want RawPasteNo", e.RawPasteSupported())
	}
}

func TestExecuteClassicSimpleExpression(t *testing.T) {
	e, ctx := connectedEngine(t, false, []scriptedResponse{
		{stdout: nil, result: []byte("5")},
	})
	res, err := e.Execute(ctx, []byte("2 + 3"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Result) != "5" {
		t.Fatalf("result = %q, want %q", res.Result, "5")
	}
	if len(res.Stdout) != 0 {
		t.Fatalf("stdout = %q, want empty", res.Stdout)
	}
	if e.State() != StateRaw {
		t.Fatalf("state after Execute = %s, want raw", e.State())
	}
}

func TestExecuteClassicStdoutAndResult(t *testing.T) {
	e, ctx := connectedEngine(t, false, []scriptedResponse{
		{stdout: []byte("hi\r\n"), result: []byte("7")},
	})
	res, err := e.Execute(ctx, []byte("print('hi'); 7"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Stdout) != "hi\r\n" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "hi\r\n")
	}
	if string(res.Result) != "7" {
		t.Fatalf("result = %q, want %q", res.Result, "7")
	}
}

func TestExecuteDeviceTracebackIsRecoverable(t *testing.T) {
	traceback := []byte("Traceback (most recent call last):\r\nZeroDivisionError: divide by zero\r\n")
	e, ctx := connectedEngine(t, false, []scriptedResponse{
		{stdout: nil, result: traceback},
		{stdout: nil, result: []byte("42")},
	})
	res, err := e.Execute(ctx, []byte("1/0"))
	if err != nil {
		t.Fatalf("Execute returned transport-level error: %v", err)
	}
	if res.Err == nil || res.Err.Kind != pyerr.ExecDevice {
		t.Fatalf("res.Err = %v, want ExecDevice", res.Err)
	}
	if e.State() != StateRaw {
		t.Fatalf("state after device error = %s, want raw (recoverable)", e.State())
	}

	res2, err := e.Execute(ctx, []byte("41 + 1"))
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if string(res2.Result) != "42" {
		t.Fatalf("second result = %q, want %q", res2.Result, "42")
	}
}

// TestExecuteClassicSecondMismatchMarksBroken checks the retry policy
// from spec.md: a classic-mode ack mismatch gets exactly one automatic
// Friendly -> Raw resync and retry; if the retried execute also comes
// back mismatched, the engine marks itself Broken instead of resyncing
// and retrying forever.
func TestExecuteClassicSecondMismatchMarksBroken(t *testing.T) {
	f := faketransport.New()
	r, w := f.Device()
	br := bufio.NewReader(r)
	go func() {
		friendlyThenRaw := func() bool {
			if _, err := io.ReadFull(br, make([]byte, 3)); err != nil {
				t.Errorf("fake device: interrupt sequence: %v", err)
				return false
			}
			w.Write([]byte("\r\n>>> "))
			if _, err := io.ReadFull(br, make([]byte, 1)); err != nil {
				t.Errorf("fake device: enter-raw: %v", err)
				return false
			}
			w.Write([]byte("raw REPL; CTRL-B to exit\r\n>"))
			return true
		}
		if !friendlyThenRaw() {
			return
		}
		if _, err := io.ReadFull(br, make([]byte, 3)); err != nil {
			t.Errorf("fake device: raw-paste probe: %v", err)
			return
		}
		w.Write([]byte("R\x00"))

		// First execute attempt: always answer with a bad ack.
		if _, err := br.ReadBytes(ctrlEOF); err != nil {
			t.Errorf("fake device: reading first code block: %v", err)
			return
		}
		w.Write([]byte("XX"))

		// Engine resyncs Friendly -> Raw once, then retries.
		if !friendlyThenRaw() {
			return
		}

		// Second execute attempt: answer with a bad ack again. The
		// engine must not resync a second time, so nothing further is
		// read from this goroutine.
		if _, err := br.ReadBytes(ctrlEOF); err != nil {
			t.Errorf("fake device: reading second code block: %v", err)
			return
		}
		w.Write([]byte("XX"))
	}()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(f, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := e.ProbeRawPaste(ctx); err != nil {
		t.Fatalf("ProbeRawPaste: %v", err)
	}

	_, err := e.Execute(ctx, []byte("2 + 3"))
	if err == nil {
		t.Fatal("expected an error after a second consecutive ack mismatch")
	}
	if e.State() != StateBroken {
		t.Fatalf("state after second mismatch = %s, want Broken", e.State())
	}
}

func TestExecuteRawPastePath(t *testing.T) {
	e, ctx := connectedEngine(t, true, []scriptedResponse{
		{stdout: nil, result: []byte("'done'")},
	})
	res, err := e.Execute(ctx, []byte("'done'"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Result) != "'done'" {
		t.Fatalf("result = %q, want %q", res.Result, "'done'")
	}
}

// runFakeRawPasteWindowDevice plays the same handshake as runFakeDevice
// with raw-paste supported, but paces the single subsequent Execute's
// pasted code exactly `window` bytes at a time, writing a real 0x01
// flow-control increment after each full window consumed (this is what
// a real board does: grant more credit once its receive window is
// exhausted). The returned counter holds the number of increments sent
// once the goroutine completes. codeLen must be a multiple of window so
// ceil(codeLen/window) is unambiguous.
func runFakeRawPasteWindowDevice(t *testing.T, f *faketransport.Fake, window, codeLen int, resp scriptedResponse) *int32 {
	r, w := f.Device()
	br := bufio.NewReader(r)
	var increments int32
	go func() {
		if _, err := io.ReadFull(br, make([]byte, 3)); err != nil {
			t.Errorf("fake device: interrupt sequence: %v", err)
			return
		}
		w.Write([]byte("\r\n>>> "))
		if _, err := io.ReadFull(br, make([]byte, 1)); err != nil {
			t.Errorf("fake device: enter-raw: %v", err)
			return
		}
		w.Write([]byte("raw REPL; CTRL-B to exit\r\n>"))
		if _, err := io.ReadFull(br, make([]byte, 3)); err != nil {
			t.Errorf("fake device: raw-paste probe: %v", err)
			return
		}
		writeRawPasteAck(w)
		if _, err := io.ReadFull(br, make([]byte, 1)); err != nil { // probe's empty finishRawPaste EOF
			t.Errorf("fake device: probe EOF: %v", err)
			return
		}
		w.Write([]byte{ctrlEOF, ctrlEOF, '>'})

		if _, err := io.ReadFull(br, make([]byte, 3)); err != nil {
			t.Errorf("fake device: raw-paste re-request: %v", err)
			return
		}
		writeRawPasteAck(w)

		remaining := codeLen
		buf := make([]byte, window)
		for remaining > 0 {
			n := window
			if n > remaining {
				n = remaining
			}
			if _, err := io.ReadFull(br, buf[:n]); err != nil {
				t.Errorf("fake device: reading windowed chunk: %v", err)
				return
			}
			remaining -= n
			if n == window {
				w.Write([]byte{0x01})
				atomic.AddInt32(&increments, 1)
			}
		}
		if _, err := io.ReadFull(br, make([]byte, 1)); err != nil { // terminating EOF
			t.Errorf("fake device: reading terminating EOF: %v", err)
			return
		}

		w.Write(resp.stdout)
		w.Write([]byte{ctrlEOF})
		w.Write(resp.result)
		w.Write([]byte{ctrlEOF})
		w.Write([]byte{'>'})
	}()
	return &increments
}

func TestExecuteRawPasteMultiWindowTransfer(t *testing.T) {
	const window = 256
	const numWindows = 5
	code := bytes.Repeat([]byte("x"), window*numWindows)

	f := faketransport.New()
	increments := runFakeRawPasteWindowDevice(t, f, window, len(code), scriptedResponse{
		stdout: nil, result: []byte("'done'"),
	})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(f, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := e.ProbeRawPaste(ctx); err != nil {
		t.Fatalf("ProbeRawPaste: %v", err)
	}

	res, err := e.Execute(ctx, code)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Stdout) != 0 {
		t.Fatalf("stdout = %q, want empty (a stray unread flow-control byte would corrupt this)", res.Stdout)
	}
	if string(res.Result) != "'done'" {
		t.Fatalf("result = %q, want %q", res.Result, "'done'")
	}
	want := int32(len(code)) / window
	if got := atomic.LoadInt32(increments); got != want {
		t.Fatalf("window increments = %d, want ceil(len/window) = %d", got, want)
	}
}

func TestFinishRawPasteExactlyWindowBytesReadsOneIncrement(t *testing.T) {
	const window = 256
	code := bytes.Repeat([]byte("y"), window)

	f := faketransport.New()
	increments := runFakeRawPasteWindowDevice(t, f, window, len(code), scriptedResponse{
		stdout: nil, result: []byte("1"),
	})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(f, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := e.ProbeRawPaste(ctx); err != nil {
		t.Fatalf("ProbeRawPaste: %v", err)
	}

	res, err := e.Execute(ctx, code)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Stdout) != 0 {
		t.Fatalf("stdout = %q, want empty (a stray unread flow-control byte would corrupt this)", res.Stdout)
	}
	if string(res.Result) != "1" {
		t.Fatalf("result = %q, want %q", res.Result, "1")
	}
	if got := atomic.LoadInt32(increments); got != 1 {
		t.Fatalf("window increments for exactly-window-bytes source = %d, want exactly 1", got)
	}
}

func TestEmptySourceReturnsEmptyResult(t *testing.T) {
	e, ctx := connectedEngine(t, false, []scriptedResponse{
		{stdout: nil, result: nil},
	})
	res, err := e.Execute(ctx, []byte(""))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Result) != 0 || res.Err != nil {
		t.Fatalf("empty source: result=%q err=%v, want both empty/nil", res.Result, res.Err)
	}
}
