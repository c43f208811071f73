package session

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/wybiral/pymote/pkg/transport/faketransport"
)

// classicResp is one classic-framed exchange the fake device answers
// with, in the order Execute calls arrive. The capability probe that
// Connect issues is always the first consumed response.
type classicResp struct {
	stdout    []byte
	traceback []byte
}

// runFakeSessionDevice plays the Friendly->Raw handshake, answers the
// raw-paste probe as unsupported (the classic path exercises the same
// Session/Execute logic session tests care about), then answers each
// queued response for every subsequent classic execution in order. If
// sent is non-nil, every code block actually shipped to the fake
// device (minus its trailing 0x04) is appended to it, in order.
func runFakeSessionDevice(t *testing.T, f *faketransport.Fake, responses []classicResp, sent *[][]byte) {
	r, w := f.Device()
	br := bufio.NewReader(r)
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
		w.Write([]byte("R\x00"))

		for _, resp := range responses {
			code, err := br.ReadBytes(0x04)
			if err != nil {
				t.Errorf("fake device: reading code: %v", err)
				return
			}
			if sent != nil {
				*sent = append(*sent, append([]byte(nil), code[:len(code)-1]...))
			}
			w.Write([]byte("OK"))
			w.Write(resp.stdout)
			w.Write([]byte{0x04})
			w.Write(resp.traceback)
			w.Write([]byte{0x04})
			w.Write([]byte{'>'})
		}
	}()
}

// connectedTestSession builds a Session whose fake device answers
// responses[0] as the capability probe and each subsequent entry as
// the next Execute call.
func connectedTestSession(t *testing.T, responses []classicResp, opts ...Option) (*Session, context.Context) {
	t.Helper()
	return connectedTestSessionCapturingCode(t, responses, nil, opts...)
}

// connectedTestSessionCapturingCode is connectedTestSession but also
// records every code block sent to the fake device into *sent, so a
// test can assert on the actual wrapped code Execute produces rather
// than only on a hand-scripted device response.
func connectedTestSessionCapturingCode(t *testing.T, responses []classicResp, sent *[][]byte, opts ...Option) (*Session, context.Context) {
	t.Helper()
	f := faketransport.New()
	runFakeSessionDevice(t, f, responses, sent)
	s := New(f, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s, ctx
}

// capsResponse builds the classicResp a fake device would send back for
// the capability probe: a dict literal preceded by resultSentinel,
// exactly as capabilityProbeCode's injected write produces.
func capsResponse(dictLiteral string) classicResp {
	return classicResp{stdout: []byte(resultSentinel + dictLiteral)}
}
