package session

import (
	"context"
	"fmt"

	"github.com/wybiral/pymote/pkg/engine"
	"github.com/wybiral/pymote/pkg/pyerr"
	"github.com/wybiral/pymote/pkg/pyvalue"
)

// Capabilities is the immutable record populated once per session on
// first use: implementation name, platform string,
// firmware version, supports-raw-paste flag, approximate free memory,
// and the feature probes that imported successfully.
type Capabilities struct {
	Impl     string
	Platform string
	Version  string
	Features []string
	MemFree  int64
	RawPaste bool
}

// capabilityProbeCodeTemplate is the single batched probe // requires: feature probes run as try/except import attempts in one
// round trip, never as separate round-trips per feature. try/except
// only exists as a statement in Python, so this can't be the single
// eval-mode expression Execute's result-marker wrapping expects; it
// writes the same resultSentinel-delimited marker to stdout itself and
// goes over ExecuteRaw instead of Execute.
const capabilityProbeCodeTemplate = `
import usys as _sys
_feat_names = ('uasyncio', 'machine', 'network', 'bluetooth', 'framebuf')
_feats = []
for _n in _feat_names:
    try:
        __import__(_n)
        _feats.append(_n)
    except ImportError:
        pass
try:
    import gc as _gc
    _mem = _gc.mem_free()
except Exception:
    _mem = -1
_caps = {'impl': _sys.implementation.name, 'platform': _sys.platform, 'version': '.'.join(str(x) for x in _sys.implementation.version), 'features': _feats, 'mem_free': _mem}
_sys.stdout.write(%s + repr(_caps))
`

func capabilityProbeCode() string {
	sentinelLit, _ := pyvalue.Encode(resultSentinel)
	return fmt.Sprintf(capabilityProbeCodeTemplate, sentinelLit)
}

// detectCapabilities runs the capability-probe script exactly once and
// parses the resulting dict literal.
func (s *Session) detectCapabilities(ctx context.Context) (Capabilities, error) {
	stdout, err := s.ExecuteRaw(ctx, capabilityProbeCode())
	if err != nil {
		return Capabilities{}, err
	}
	_, result := splitResultSentinel(stdout)
	if result == nil {
		return Capabilities{}, &pyerr.ProtocolError{Reason: "capability probe did not emit a result marker"}
	}
	v, err := pyvalue.Decode(result)
	if err != nil {
		return Capabilities{}, &pyerr.ProtocolError{Reason: fmt.Sprintf("capability probe returned unparseable value: %v", err)}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Capabilities{}, &pyerr.ProtocolError{Reason: "capability probe did not return a dict"}
	}
	caps := Capabilities{
		RawPaste: s.engine.RawPasteSupported() == engine.RawPasteYes,
	}
	if s, ok := m["impl"].(string); ok {
		caps.Impl = s
	}
	if s, ok := m["platform"].(string); ok {
		caps.Platform = s
	}
	if s, ok := m["version"].(string); ok {
		caps.Version = s
	}
	if mem, ok := m["mem_free"].(int64); ok {
		caps.MemFree = mem
	}
	if feats, ok := m["features"].([]any); ok {
		for _, f := range feats {
			if fs, ok := f.(string); ok {
				caps.Features = append(caps.Features, fs)
			}
		}
	}
	return caps, nil
}
