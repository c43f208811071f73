// Package session implements the Device Session: the
// externally visible device object, owning exactly one Transport and
// one Engine plus capabilities and the result cache.
package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wybiral/pymote/pkg/engine"
	"github.com/wybiral/pymote/pkg/pyerr"
	"github.com/wybiral/pymote/pkg/pylog"
	"github.com/wybiral/pymote/pkg/pyvalue"
	"github.com/wybiral/pymote/pkg/transport"
)

// DefaultOperationTimeout is the session-wide default deadline applied
// to operations that don't carry their own: every operation has a
// deadline.
const DefaultOperationTimeout = 30 * time.Second

// fileChunkTimeout bounds a single file-chunk round trip; large
// transfers are many round trips, each individually deadlined.
const fileChunkTimeout = 15 * time.Second

// Session is the sole owner of its Engine and Transport (// ownership). Attribute Dispatch holds a shared (borrowed) reference to
// it.
type Session struct {
	transport transport.Transport
	engine    *engine.Engine
	log       *slog.Logger

	mu           sync.Mutex
	connected    bool
	capabilities *Capabilities

	cache *cache
	chunk *chunkOptimizer

	defaultTimeout time.Duration
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = pylog.New(l) }
}

// WithDefaultTimeout overrides DefaultOperationTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Session) { s.defaultTimeout = d }
}

// WithCacheSize overrides the cache's LRU capacity (default 256 entries).
func WithCacheSize(n int) Option {
	return func(s *Session) { s.cache = newCache(n) }
}

// New builds a Session bound to t. Connect must be called before any
// other operation.
func New(t transport.Transport, opts ...Option) *Session {
	s := &Session{
		transport:      t,
		log:            pylog.New(nil),
		cache:          newCache(256),
		chunk:          newChunkOptimizer(),
		defaultTimeout: DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = engine.New(t, s.log)
	return s
}

// Capabilities returns the capabilities detected at connect time, or
// nil if not yet connected.
func (s *Session) Capabilities() *Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// Connect opens the Transport, drives Unknown->Friendly->Raw, probes
// raw-paste exactly once, and runs capability detection as a single
// batched probe script in one round trip (connect()). It must complete
// under ctx.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if err := s.transport.Open(ctx); err != nil {
		return err
	}
	if err := s.engine.Connect(ctx); err != nil {
		return err
	}
	if err := s.engine.ProbeRawPaste(ctx); err != nil {
		return err
	}
	s.cache.Reset()
	caps, err := s.detectCapabilities(ctx)
	if err != nil {
		return err
	}
	s.capabilities = &caps
	s.cache.SetFirmware(caps.Version)
	s.connected = true
	s.log.Info("session connected", "impl", caps.Impl, "platform", caps.Platform, "version", caps.Version, "raw_paste", caps.RawPaste)
	return nil
}

// Disconnect transitions any->Friendly and closes the Transport.
// Idempotent: calling it again after a clean disconnect is a no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	closeErr := s.engine.Close(ctx)
	transErr := s.transport.Close()
	s.connected = false
	s.capabilities = nil
	if closeErr != nil {
		return closeErr
	}
	return transErr
}

func (s *Session) deadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// resultSentinel delimits an injected return value from genuine printed
// stdout, entirely inside the engine's single stdout channel. It must
// never be the byte 0x04: the engine's classic-output reader counts
// 0x04 bytes positionally to find the real stdout/traceback boundary
// and MicroPython's raw REPL only ever has two such
// 0x04-delimited channels (printed output, then a traceback that is
// empty on success) — there is no third channel a script can write
// into. So a return value has to ride inside the real stdout channel,
// marked off with a sentinel the engine never special-cases, and get
// split out here, client-side, after a completely ordinary two-channel
// classic (or raw-paste) execution.
const resultSentinel = "\x02pym-result\x02"

// resultMarkerCode wraps a single pure expression so its repr is
// appended to stdout after resultSentinel. Used when code compiles
// whole as 'eval'. A runtime exception never reaches the write, so on
// error nothing is appended and the device's own traceback still
// comes back unchanged in the engine's traceback channel.
const resultMarkerCode = `
try:
    __pym_r = eval(compile(%s, '<pym>', 'eval'))
except SyntaxError:
    %s
if __pym_r is not None:
    import usys as _pym_sys
    _pym_sys.stdout.write(%s + repr(__pym_r))
`

// resultMarkerExecOnly is the SyntaxError fallback when code has no
// trailing expression to split off: run it as statements, no result.
const resultMarkerExecOnly = `exec(compile(%s, '<pym>', 'exec'))
    __pym_r = None`

// resultMarkerExecSplit is the SyntaxError fallback when splitTrailingExpression
// found a trailing top-level expression (tailLit) preceded by leading
// statements (headLit). tailLit is compiled first, before anything
// runs, so a tail that turns out not to be a bare expression (e.g. an
// assignment) falls through to running the original code once, whole,
// rather than running the leading statements twice.
const resultMarkerExecSplit = `try:
        __pym_tail = compile(%s, '<pym>', 'eval')
    except SyntaxError:
        __pym_tail = None
    if __pym_tail is not None:
        exec(compile(%s, '<pym>', 'exec'))
        __pym_r = eval(__pym_tail)
    else:
        exec(compile(%s, '<pym>', 'exec'))
        __pym_r = None`

func wrapForResult(code string) string {
	lit, _ := pyvalue.Encode(code)
	sentinelLit, _ := pyvalue.Encode(resultSentinel)
	head, tail, ok := splitTrailingExpression(code)
	var fallback string
	if ok {
		headLit, _ := pyvalue.Encode(head)
		tailLit, _ := pyvalue.Encode(tail)
		fallback = fmt.Sprintf(resultMarkerExecSplit, tailLit, headLit, lit)
	} else {
		fallback = fmt.Sprintf(resultMarkerExecOnly, lit)
	}
	return fmt.Sprintf(resultMarkerCode, lit, fallback, sentinelLit)
}

// splitTrailingExpression finds the rightmost top-level statement
// separator (';' or newline) in code — outside any quoted string and
// outside any bracket/paren/brace nesting — and reports the source on
// either side. ok is false when no such separator exists (code is
// already a single statement or expression) or when there's nothing
// but whitespace after it.
//
// This lets execute() recover a trailing expression's value from code
// like "print('hi'); 7" or a multi-line block ending in a bare name:
// compile(code, 'eval') rejects the whole thing outright (it isn't a
// single expression), but head compiles as 'exec' and tail compiles as
// 'eval' on their own.
func splitTrailingExpression(code string) (head, tail string, ok bool) {
	depth := 0
	var quote byte
	triple := false
	sep := -1
	for i := 0; i < len(code); i++ {
		c := code[i]
		if quote != 0 {
			if c == '\\' && i+1 < len(code) {
				i++
				continue
			}
			if triple {
				if i+2 < len(code) && code[i] == quote && code[i+1] == quote && code[i+2] == quote {
					quote = 0
					triple = false
					i += 2
				}
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			if i+2 < len(code) && code[i+1] == c && code[i+2] == c {
				quote = c
				triple = true
				i += 2
				continue
			}
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		case ';', '\n':
			if depth == 0 {
				sep = i
			}
		}
	}
	if sep < 0 {
		return "", "", false
	}
	head = code[:sep]
	tail = strings.TrimSpace(code[sep+1:])
	if tail == "" {
		return "", "", false
	}
	return head, tail, true
}

// Execute runs code and returns its injected return value (the repr
// after resultSentinel in stdout, if any); plain printed stdout before
// the sentinel is logged but not returned (execute()).
func (s *Session) Execute(ctx context.Context, code string) ([]byte, error) {
	return s.execute(ctx, code, true)
}

// ExecuteRaw runs code verbatim with no result-marker wrapping and
// returns everything the device printed to stdout, used internally for
// snippets (capability probing) that build their own sentinel-delimited
// return value.
func (s *Session) ExecuteRaw(ctx context.Context, code string) ([]byte, error) {
	return s.execute(ctx, code, false)
}

func (s *Session) execute(ctx context.Context, code string, wrap bool) ([]byte, error) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return nil, pyerr.ErrBroken
	}
	sendCode := code
	if wrap {
		sendCode = wrapForResult(code)
	}
	res, err := s.engine.Execute(ctx, []byte(sendCode))
	if err != nil {
		if errBroken(err) {
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
		}
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	stdout, value := splitResultSentinel(res.Stdout)
	if len(stdout) > 0 {
		s.log.Debug("device stdout", "bytes", len(stdout))
	}
	if wrap {
		return value, nil
	}
	return res.Stdout, nil
}

// splitResultSentinel splits stdout into (plain output, injected value)
// at the first occurrence of resultSentinel. If the sentinel never
// appears — the common case for statement-only code, which never
// writes it — value is nil.
func splitResultSentinel(stdout []byte) (plain, value []byte) {
	idx := bytes.Index(stdout, []byte(resultSentinel))
	if idx < 0 {
		return stdout, nil
	}
	return stdout[:idx], stdout[idx+len(resultSentinel):]
}

func errBroken(err error) bool {
	var te *pyerr.TransportError
	var pe *pyerr.ProtocolError
	return errors.As(err, &te) || errors.As(err, &pe)
}

// ExecuteTyped runs code and parses the result section as one of:
// integer, float, boolean, string, byte string, homogeneous list,
// key-value mapping, or raw bytes (execute_typed<T>).
func (s *Session) ExecuteTyped(ctx context.Context, code string) (any, error) {
	raw, err := s.Execute(ctx, code)
	if err != nil {
		return nil, err
	}
	return pyvalue.Decode(raw)
}

// Cd changes the device's current working directory.
func (s *Session) Cd(ctx context.Context, dir string) error {
	lit, err := pyvalue.Encode(dir)
	if err != nil {
		return err
	}
	_, err = s.Execute(ctx, fmt.Sprintf("__import__('uos').chdir(%s)", lit))
	return err
}

// Pwd returns the device's current working directory. The snippet is
// kept to a single expression (using __import__ inline rather than a
// preceding import statement) so the generic eval-and-capture wrapping
// in wrapForResult applies cleanly; see capabilities.go for the case
// where a multi-statement submission is unavoidable.
func (s *Session) Pwd(ctx context.Context) (string, error) {
	v, err := s.ExecuteTyped(ctx, "__import__('uos').getcwd()")
	if err != nil {
		return "", err
	}
	str, _ := v.(string)
	return str, nil
}

// SoftReboot performs a soft reboot and re-enters Raw mode.
func (s *Session) SoftReboot(ctx context.Context) error {
	s.cache.Reset()
	return s.engine.SoftReboot(ctx)
}

// ListFiles lists the contents of path as a single Python expression
// (list_files).
func (s *Session) ListFiles(ctx context.Context, path string) ([]string, error) {
	if path == "" {
		path = "."
	}
	lit, err := pyvalue.Encode(path)
	if err != nil {
		return nil, err
	}
	v, err := s.ExecuteTyped(ctx, fmt.Sprintf("[e[0] for e in __import__('uos').ilistdir(%s)]", lit))
	if err != nil {
		return nil, err
	}
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if str, ok := it.(string); ok {
			out = append(out, str)
		}
	}
	return out, nil
}

// DeleteFile removes path as a single Python expression (// delete_file).
func (s *Session) DeleteFile(ctx context.Context, path string) error {
	lit, err := pyvalue.Encode(path)
	if err != nil {
		return err
	}
	_, err = s.Execute(ctx, fmt.Sprintf("__import__('uos').remove(%s)", lit))
	return err
}

// Mkdir creates a directory on the device, carried forward from the
// filesystem surface the original CLI exposed alongside list/delete.
func (s *Session) Mkdir(ctx context.Context, path string) error {
	lit, err := pyvalue.Encode(path)
	if err != nil {
		return err
	}
	_, err = s.Execute(ctx, fmt.Sprintf("__import__('uos').mkdir(%s)", lit))
	return err
}

// Rmdir removes an empty directory on the device.
func (s *Session) Rmdir(ctx context.Context, path string) error {
	lit, err := pyvalue.Encode(path)
	if err != nil {
		return err
	}
	_, err = s.Execute(ctx, fmt.Sprintf("__import__('uos').rmdir(%s)", lit))
	return err
}

// ReadFile reads remotePath in adaptive chunks, base64-encoded by the
// device and decoded host-side (read_file).
func (s *Session) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	pathLit, err := pyvalue.Encode(remotePath)
	if err != nil {
		return nil, err
	}
	if _, err := s.Execute(ctx, fmt.Sprintf(
		"from ubinascii import b2a_base64\n__pym_f = open(%s, 'rb')", pathLit)); err != nil {
		return nil, err
	}
	var out []byte
	for {
		size := s.chunk.Size()
		start := time.Now()
		cCtx, cancel := context.WithTimeout(ctx, fileChunkTimeout)
		raw, err := s.Execute(cCtx, fmt.Sprintf(
			"str(b2a_base64(__pym_f.read(%d)), 'ascii').strip()", size))
		cancel()
		if err != nil {
			return nil, err
		}
		v, err := pyvalue.Decode(raw)
		if err != nil {
			return nil, err
		}
		str, _ := v.(string)
		if str == "" {
			break
		}
		decoded, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return nil, &pyerr.ProtocolError{Reason: fmt.Sprintf("bad base64 chunk from device: %v", err)}
		}
		s.chunk.Record(len(decoded), time.Since(start))
		out = append(out, decoded...)
		if len(decoded) < size {
			break
		}
	}
	_, _ = s.Execute(ctx, "__pym_f.close()")
	return out, nil
}

// WriteFile writes data to remotePath in adaptive, base64-encoded
// chunks (write_file).
func (s *Session) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	pathLit, err := pyvalue.Encode(remotePath)
	if err != nil {
		return err
	}
	if _, err := s.Execute(ctx, fmt.Sprintf(
		"from ubinascii import a2b_base64\n__pym_f = open(%s, 'wb')", pathLit)); err != nil {
		return err
	}
	i := 0
	for i < len(data) {
		size := s.chunk.Size()
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		encoded := base64.StdEncoding.EncodeToString(data[i:end])
		lit, err := pyvalue.Encode(encoded)
		if err != nil {
			return err
		}
		start := time.Now()
		cCtx, cancel := context.WithTimeout(ctx, fileChunkTimeout)
		_, err = s.Execute(cCtx, fmt.Sprintf("__pym_f.write(a2b_base64(%s))", lit))
		cancel()
		if err != nil {
			return err
		}
		s.chunk.Record(end-i, time.Since(start))
		i = end
	}
	_, err = s.Execute(ctx, "__pym_f.close()")
	return err
}

// WriteFileTransactional writes data to remotePath inside a
// Transaction: if the write fails partway, the partial file is removed
// on rollback (compensating actions).
func (s *Session) WriteFileTransactional(ctx context.Context, remotePath string, data []byte) (err error) {
	tx := s.BeginTransaction()
	tx.Push(func(ctx context.Context) error { return s.DeleteFile(ctx, remotePath) })
	if err = s.WriteFile(ctx, remotePath, data); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit()
}

// Engine exposes the underlying Raw REPL engine for callers (notably
// Attribute Dispatch) that need its state for diagnostics.
func (s *Session) Engine() *engine.Engine { return s.engine }

// Log returns the session's logger.
func (s *Session) Log() *slog.Logger { return s.log }

// CacheLookup and CacheStore are the session-owned cache's public
// surface used by Attribute Dispatch's cache=true tasks.
func (s *Session) CacheLookup(key string) ([]byte, bool) { return s.cache.Get(key) }

func (s *Session) CacheStore(key string, value []byte, ttl time.Duration) {
	s.cache.Set(key, value, ttl)
}

// firmwareKey builds a cache key namespaced to the method signature and
// arguments hash; firmware is already folded in via cache.SetFirmware
// invalidating the whole cache on version change.
func firmwareKey(method string, argsHash string) string {
	return strings.Join([]string{method, argsHash}, "|")
}

// CacheKey derives a cache key for a given method name and
// already-hashed argument signature.
func CacheKey(method, argsHash string) string { return firmwareKey(method, argsHash) }
