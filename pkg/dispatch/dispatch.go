// Package dispatch implements Attribute Dispatch: a
// declarative layer in which a caller registers operations tagged as
// task, setup, teardown, or thread, each carrying an optional Python
// template with {name} placeholders. Dispatch turns a registered
// operation plus argument values into one Session.Execute call.
package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wybiral/pymote/pkg/pyerr"
	"github.com/wybiral/pymote/pkg/pyvalue"
	"github.com/wybiral/pymote/pkg/session"
)

// Kind is one of the four operation kinds Dispatch understands.
type Kind int

const (
	KindTask Kind = iota
	KindSetup
	KindTeardown
	KindThread
)

func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindSetup:
		return "setup"
	case KindTeardown:
		return "teardown"
	case KindThread:
		return "thread"
	default:
		return "unknown"
	}
}

// Operation describes one dispatchable method: kind, optional name
// override, timeout, cache/exclusive/order/auto-restart flags, and an
// optional embedded Python template.
type Operation struct {
	Kind Kind
	// Name overrides the dispatch-table key; defaults to the Go method
	// name converted to snake_case.
	Name string
	// Template is an embedded Python source fragment with {param}
	// placeholders. Empty means dispatch synthesizes a direct call
	// using Params as positional argument names.
	Template string
	// Params names the operation's declared parameters, used both for
	// template substitution and for synthesizing a direct call.
	Params []string
	// Substitute disables template substitution when false: the
	// template is passed through verbatim and Params are ignored.
	Substitute bool

	Timeout time.Duration // task default: session.DefaultOperationTimeout
	Cache   bool          // task only
	CacheTTL time.Duration
	Exclusive bool // task only

	Order    int  // setup/teardown ordering, ascending, ties by declaration order
	Critical bool // setup only: failure aborts connect
	IgnoreErrors bool // teardown only: failure is logged, doesn't block disconnect

	AutoRestart bool // thread only
	Priority    int  // thread only, informational
}

// denyList is the best-effort, case-sensitive guard against obviously
// dangerous rendered templates. It is not a sandbox.
var denyList = []string{"os.system", "exec(", "__import__"}

var placeholderRe = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_]*\}`)

// Dispatch is the registered operation table for one Session. Dispatch
// holds a borrowed reference to Session; Session exclusively owns the
// Engine and Transport, so Dispatch never closes or reconnects it.
type Dispatch struct {
	sess *session.Session

	mu    sync.Mutex
	ops   map[string]*Operation
	order []string // declaration order, for stable iteration and tie-breaks

	excl sync.Mutex // serializes tasks registered with Exclusive

	threadsMu sync.Mutex
	threads   map[string]string // thread name -> operation name, for later stop requests
}

// New builds a Dispatch bound to sess.
func New(sess *session.Session) *Dispatch {
	return &Dispatch{
		sess:    sess,
		ops:     make(map[string]*Operation),
		threads: make(map[string]string),
	}
}

// Register adds op to the dispatch table, defaulting its Name from name
// (typically the Go method name) via snake_case conversion.
func (d *Dispatch) Register(name string, op Operation) {
	if op.Name == "" {
		op.Name = toSnakeCase(name)
	}
	if op.Timeout <= 0 && op.Kind == KindTask {
		op.Timeout = session.DefaultOperationTimeout
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.ops[op.Name]; !exists {
		d.order = append(d.order, op.Name)
	}
	opCopy := op
	d.ops[op.Name] = &opCopy
}

// Lookup returns the registered operation for name, if any.
func (d *Dispatch) Lookup(name string) (*Operation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op, ok := d.ops[name]
	return op, ok
}

// render produces the Python source to submit for op given args, using
// template substitution, verbatim passthrough, or a synthesized direct
// call: templates take priority, then a synthesized
// snake_case_name(args...) call.
func render(op *Operation, args map[string]any) (string, error) {
	if op.Template != "" {
		if !op.Substitute {
			return op.Template, nil
		}
		return substitute(op.Template, op.Params, args)
	}
	return synthesizeCall(op.Name, op.Params, args)
}

// substitute replaces every {name} placeholder in tmpl with args[name]
// rendered as a Python literal.
func substitute(tmpl string, params []string, args map[string]any) (string, error) {
	out := tmpl
	for _, p := range params {
		v, ok := args[p]
		if !ok {
			continue
		}
		lit, err := pyvalue.Encode(v)
		if err != nil {
			return "", &pyerr.ArgumentError{Kind: pyerr.ArgUnresolvedPlaceholder, Detail: fmt.Sprintf("parameter %q: %v", p, err)}
		}
		out = strings.ReplaceAll(out, "{"+p+"}", lit)
	}
	if m := placeholderRe.FindString(out); m != "" {
		return "", &pyerr.ArgumentError{Kind: pyerr.ArgUnresolvedPlaceholder, Detail: fmt.Sprintf("placeholder %s left unresolved", m)}
	}
	for _, bad := range denyList {
		if strings.Contains(out, bad) {
			return "", &pyerr.ArgumentError{Kind: pyerr.ArgUnsafeTemplate, Detail: fmt.Sprintf("rendered template contains %q", bad)}
		}
	}
	return out, nil
}

// synthesizeCall builds name(p1, p2, ...) from params in declared order
// when the operation has no template.
func synthesizeCall(name string, params []string, args map[string]any) (string, error) {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		lit, err := pyvalue.Encode(args[p])
		if err != nil {
			return "", &pyerr.ArgumentError{Kind: pyerr.ArgUnresolvedPlaceholder, Detail: fmt.Sprintf("parameter %q: %v", p, err)}
		}
		parts = append(parts, lit)
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", ")), nil
}

// argsHash builds a deterministic cache-key fragment from args: the
// sorted, literal-rendered argument list. The session's cache is owned
// by one Session, reset on every Connect, and cleared when the firmware
// version changes; keys carry no separate device fingerprint, so this
// only needs to distinguish calls to the same method with different args.
func argsHash(params []string, args map[string]any) string {
	keys := make([]string, len(params))
	copy(keys, params)
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		lit, err := pyvalue.Encode(args[k])
		if err != nil {
			lit = fmt.Sprintf("<unencodable:%v>", err)
		}
		parts = append(parts, k+"="+lit)
	}
	return strings.Join(parts, ",")
}

// Task runs a single registered task operation.
func (d *Dispatch) Task(ctx context.Context, name string, args map[string]any) ([]byte, error) {
	op, ok := d.Lookup(name)
	if !ok {
		return nil, &pyerr.ConfigError{Reason: fmt.Sprintf("no task registered as %q", name)}
	}
	if op.Kind != KindTask {
		return nil, &pyerr.ConfigError{Reason: fmt.Sprintf("%q is not a task", name)}
	}
	code, err := render(op, args)
	if err != nil {
		return nil, err
	}

	var cacheKey string
	if op.Cache {
		cacheKey = session.CacheKey(op.Name, argsHash(op.Params, args))
		if v, ok := d.sess.CacheLookup(cacheKey); ok {
			return v, nil
		}
	}

	if op.Exclusive {
		d.excl.Lock()
		defer d.excl.Unlock()
	}

	taskCtx := ctx
	var cancel context.CancelFunc
	if op.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, op.Timeout)
		defer cancel()
	}

	result, err := d.sess.Execute(taskCtx, code)
	if err != nil {
		return nil, err
	}
	if op.Cache {
		ttl := op.CacheTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		d.sess.CacheStore(cacheKey, result, ttl)
	}
	return result, nil
}

// RunSetups runs every registered setup operation once, ascending by
// Order, ties broken by declaration order. A
// Critical setup's failure aborts the run.
func (d *Dispatch) RunSetups(ctx context.Context, args map[string]any) error {
	for _, op := range d.sortedByKind(KindSetup) {
		code, err := render(op, args)
		if err != nil {
			if op.Critical {
				return err
			}
			continue
		}
		if _, err := d.sess.Execute(ctx, code); err != nil {
			if op.Critical {
				return err
			}
		}
	}
	return nil
}

// RunTeardowns runs every registered teardown operation once, ascending
// by Order. Failures are swallowed when
// IgnoreErrors is set; otherwise the first failure is returned after
// every teardown has still been attempted.
func (d *Dispatch) RunTeardowns(ctx context.Context, args map[string]any) error {
	var firstErr error
	for _, op := range d.sortedByKind(KindTeardown) {
		code, err := render(op, args)
		if err != nil {
			if !op.IgnoreErrors && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := d.sess.Execute(ctx, code); err != nil {
			if !op.IgnoreErrors && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (d *Dispatch) sortedByKind(k Kind) []*Operation {
	d.mu.Lock()
	names := append([]string(nil), d.order...)
	var ops []*Operation
	for _, n := range names {
		if op := d.ops[n]; op.Kind == k {
			ops = append(ops, op)
		}
	}
	d.mu.Unlock()
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Order < ops[j].Order })
	return ops
}

// threadBody wraps code in a restart loop when op.AutoRestart is set,
// catching and discarding exceptions so one failure does not kill the
// background thread.
func threadBody(code string, autoRestart bool) string {
	if !autoRestart {
		return code
	}
	indented := indent(code, "        ")
	return fmt.Sprintf("while True:\n    try:\n%s\n    except Exception:\n        pass\n", indented)
}

func indent(code, prefix string) string {
	lines := strings.Split(code, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// StartThread launches a registered thread operation as a named
// background thread on the device via its thread API (// "thread"). The host tracks the thread by name for later stop
// requests but does not monitor its output.
func (d *Dispatch) StartThread(ctx context.Context, name string, args map[string]any) (threadName string, err error) {
	op, ok := d.Lookup(name)
	if !ok {
		return "", &pyerr.ConfigError{Reason: fmt.Sprintf("no thread registered as %q", name)}
	}
	if op.Kind != KindThread {
		return "", &pyerr.ConfigError{Reason: fmt.Sprintf("%q is not a thread operation", name)}
	}
	code, err := render(op, args)
	if err != nil {
		return "", err
	}
	body := threadBody(code, op.AutoRestart)
	threadName = op.Name + "-" + uuid.NewString()[:8]

	fn := "__pym_thread_" + sanitizeIdent(threadName)
	snippet := fmt.Sprintf(
		"import _thread\ndef %s():\n%s\n_thread.start_new_thread(%s, ())",
		fn, indent(body, "    "), fn)
	if _, err := d.sess.Execute(ctx, snippet); err != nil {
		return "", err
	}

	d.threadsMu.Lock()
	d.threads[threadName] = op.Name
	d.threadsMu.Unlock()
	return threadName, nil
}

// Threads returns the names of threads started in this dispatch's
// lifetime, sorted by name; start order is not preserved.
func (d *Dispatch) Threads() []string {
	d.threadsMu.Lock()
	defer d.threadsMu.Unlock()
	out := make([]string, 0, len(d.threads))
	for name := range d.threads {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func sanitizeIdent(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}

var snakeRe1 = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
var snakeRe2 = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// toSnakeCase converts an exported Go method name like "ReadSensor" to
// "read_sensor".
func toSnakeCase(s string) string {
	s = snakeRe1.ReplaceAllString(s, "${1}_${2}")
	s = snakeRe2.ReplaceAllString(s, "${1}_${2}")
	return strings.ToLower(s)
}
