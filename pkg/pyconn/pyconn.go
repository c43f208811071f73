// Package pyconn parses the connection strings defines into
// the concrete Transport configuration they describe, so a caller can
// go from one string straight to an open Session.
package pyconn

import (
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/wybiral/pymote/pkg/pyerr"
	"github.com/wybiral/pymote/pkg/transport"
)

// defaultBaud is used when serial:<path> carries no ?baud= query.
const defaultBaud = 115200

// Open parses conn and returns an unopened Transport bound to its
// scheme, without performing any I/O. An unknown scheme is reported
// as a configuration error before any I/O happens. The caller still calls
// Open/Connect.
func Open(conn string, log *slog.Logger) (transport.Transport, error) {
	scheme, rest, ok := strings.Cut(conn, ":")
	if !ok {
		return nil, &pyerr.ConfigError{Reason: "connection string missing ':' scheme separator: " + conn}
	}
	switch scheme {
	case "serial":
		return parseSerial(rest, log)
	case "subprocess":
		return parseSubprocess(rest, log)
	default:
		return nil, &pyerr.ConfigError{Reason: "unknown transport scheme " + strconv.Quote(scheme)}
	}
}

// parseSerial parses "<path>[?baud=N]".
func parseSerial(rest string, log *slog.Logger) (transport.Transport, error) {
	path, query, _ := strings.Cut(rest, "?")
	if path == "" {
		return nil, &pyerr.ConfigError{Reason: "serial connection string missing device path"}
	}
	baud := defaultBaud
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, &pyerr.ConfigError{Reason: "malformed serial query string: " + err.Error()}
		}
		if raw := values.Get("baud"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return nil, &pyerr.ConfigError{Reason: "invalid baud rate " + strconv.Quote(raw)}
			}
			baud = n
		}
	}
	return transport.NewSerial(transport.SerialConfig{Path: path, Baud: baud, Log: log}), nil
}

// parseSubprocess parses "<exe>[ arg ...]" (// "subprocess:<exe>[ arg ...]").
func parseSubprocess(rest string, log *slog.Logger) (transport.Transport, error) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil, &pyerr.ConfigError{Reason: "subprocess connection string missing executable"}
	}
	return transport.NewSubprocess(transport.SubprocessConfig{Exe: fields[0], Args: fields[1:], Log: log}), nil
}
