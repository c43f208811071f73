// Package pyvalue renders Go values as Python source literals (used by
// template substitution and generated method calls, ) and
// parses Python literal text back into Go values (used by
// execute_typed, ). The host never interprets Python beyond
// this literal layer.
package pyvalue

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/wybiral/pymote/pkg/pyerr"
)

// Encode renders v as a Python literal. Supported: nil, bool, int,
// int64, float64, string, []byte, and homogeneous []any / map[string]any
// built from the same supported kinds.
func Encode(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "None", nil
	case bool:
		if x {
			return "True", nil
		}
		return "False", nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case string:
		return encodeString(x), nil
	case []byte:
		return "b" + encodeQuoted(string(x)), nil
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			s, err := Encode(e)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(x))
		for _, k := range keys {
			s, err := Encode(x[k])
			if err != nil {
				return "", err
			}
			parts = append(parts, encodeString(k)+": "+s)
		}
		return "{" + strings.Join(parts, ", ") + "}", nil
	default:
		return "", fmt.Errorf("pyvalue: unsupported type %T", v)
	}
}

// encodeString renders s as a single-quoted Python string literal,
// escaping backslash, single quote, newline, tab, carriage return, and
// any non-printable byte; no other escaping is attempted.
func encodeString(s string) string { return encodeQuoted(s) }

func encodeQuoted(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if c < 0x20 || c >= 0x7f {
				fmt.Fprintf(&b, `\x%02x`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// Decode parses the result section of an execution (// execute_typed) as one of: integer, float, boolean, string (quoted),
// byte string (bytes literal), homogeneous list, key-value mapping, or
// raw bytes (returned verbatim when nothing else parses).
func Decode(raw []byte) (any, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return nil, nil
	}
	v, rest, err := parseValue(s)
	if err != nil {
		// Not a literal this parser understands: hand the caller the raw
		// bytes instead of failing the whole call.
		return raw, nil
	}
	if strings.TrimSpace(rest) != "" {
		// Trailing garbage means this wasn't a clean literal; hand the
		// caller the raw bytes instead of failing the whole call.
		return raw, nil
	}
	return v, nil
}

func parseValue(s string) (any, string, error) {
	s = strings.TrimLeft(s, " \t")
	switch {
	case strings.HasPrefix(s, "None"):
		return nil, s[len("None"):], nil
	case strings.HasPrefix(s, "True"):
		return true, s[len("True"):], nil
	case strings.HasPrefix(s, "False"):
		return false, s[len("False"):], nil
	case strings.HasPrefix(s, "b'") || strings.HasPrefix(s, `b"`):
		str, rest, err := parseQuoted(s[1:])
		if err != nil {
			return nil, "", err
		}
		return []byte(str), rest, nil
	case strings.HasPrefix(s, "'") || strings.HasPrefix(s, `"`):
		return parseQuoted(s)
	case strings.HasPrefix(s, "["):
		return parseList(s)
	case strings.HasPrefix(s, "{"):
		return parseDict(s)
	default:
		return parseNumber(s)
	}
}

func parseQuoted(s string) (string, string, error) {
	if len(s) == 0 {
		return "", "", &pyerr.ArgumentError{Kind: pyerr.ArgUnresolvedPlaceholder, Detail: "empty quoted literal"}
	}
	quote := s[0]
	var b strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		if c == quote {
			return b.String(), s[i+1:], nil
		}
		if c == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\':
				b.WriteByte('\\')
			case '\'':
				b.WriteByte('\'')
			case '"':
				b.WriteByte('"')
			case 'x':
				if i+2 < len(s) {
					n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
					if err == nil {
						b.WriteByte(byte(n))
						i += 2
						break
					}
				}
				b.WriteByte(s[i])
			default:
				b.WriteByte(s[i])
			}
			i++
			continue
		}
		b.WriteByte(c)
		i++
	}
	return "", "", fmt.Errorf("pyvalue: unterminated string literal")
}

func parseList(s string) ([]any, string, error) {
	s = s[1:] // consume '['
	out := []any{}
	s = strings.TrimLeft(s, " \t")
	if strings.HasPrefix(s, "]") {
		return out, s[1:], nil
	}
	for {
		v, rest, err := parseValue(s)
		if err != nil {
			return nil, "", err
		}
		out = append(out, v)
		rest = strings.TrimLeft(rest, " \t")
		if strings.HasPrefix(rest, ",") {
			s = strings.TrimLeft(rest[1:], " \t")
			continue
		}
		if strings.HasPrefix(rest, "]") {
			return out, rest[1:], nil
		}
		return nil, "", fmt.Errorf("pyvalue: malformed list near %q", rest)
	}
}

func parseDict(s string) (map[string]any, string, error) {
	s = s[1:] // consume '{'
	out := map[string]any{}
	s = strings.TrimLeft(s, " \t")
	if strings.HasPrefix(s, "}") {
		return out, s[1:], nil
	}
	for {
		key, rest, err := parseValue(s)
		if err != nil {
			return nil, "", err
		}
		keyStr, ok := key.(string)
		if !ok {
			return nil, "", fmt.Errorf("pyvalue: non-string dict key")
		}
		rest = strings.TrimLeft(rest, " \t")
		if !strings.HasPrefix(rest, ":") {
			return nil, "", fmt.Errorf("pyvalue: expected ':' near %q", rest)
		}
		rest = strings.TrimLeft(rest[1:], " \t")
		val, rest2, err := parseValue(rest)
		if err != nil {
			return nil, "", err
		}
		out[keyStr] = val
		rest2 = strings.TrimLeft(rest2, " \t")
		if strings.HasPrefix(rest2, ",") {
			s = strings.TrimLeft(rest2[1:], " \t")
			continue
		}
		if strings.HasPrefix(rest2, "}") {
			return out, rest2[1:], nil
		}
		return nil, "", fmt.Errorf("pyvalue: malformed dict near %q", rest2)
	}
}

func parseNumber(s string) (any, string, error) {
	i := 0
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		i++
	}
	start := i
	isFloat := false
	for i < len(s) {
		c := s[i]
		if c >= '0' && c <= '9' {
			i++
			continue
		}
		if c == '.' || c == 'e' || c == 'E' {
			isFloat = true
			i++
			continue
		}
		break
	}
	if i == start {
		return nil, "", fmt.Errorf("pyvalue: cannot parse number from %q", s)
	}
	numStr := s[:i]
	if isFloat {
		f, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return nil, "", err
		}
		return f, s[i:], nil
	}
	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return nil, "", err
	}
	return n, s[i:], nil
}
