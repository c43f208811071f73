package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/wybiral/pymote/pkg/pylog"
)

// pollInterval bounds how long a single underlying serial read blocks
// before Read re-checks ctx, the same trick a sibling package
// uses with serial.Config.ReadTimeout but cut short enough to make
// cancellation responsive.
const pollInterval = 100 * time.Millisecond

// SerialConfig describes a physical serial port: device path, baud
// (default 115200), 8N1, no hardware flow control, no hangup-on-close.
type SerialConfig struct {
	Path string
	Baud int // 0 means 115200
	Log  *slog.Logger
}

// Serial is the Serial Transport variant: it puts the port
// into raw mode (no echo, no canonical discipline, no CR/LF translation)
// before opening, via tarm/serial's own raw configuration.
type Serial struct {
	cfg SerialConfig
	log *slog.Logger

	mu   sync.Mutex
	port *serial.Port
}

// NewSerial constructs a Serial transport. Open must be called before use.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	return &Serial{cfg: cfg, log: pylog.ForDevice(cfg.Log, cfg.Path)}
}

func (s *Serial) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	conf := &serial.Config{
		Name:        s.cfg.Path,
		Baud:        s.cfg.Baud,
		ReadTimeout: pollInterval,
	}
	p, err := serial.OpenPort(conf)
	if err != nil {
		return unavailable(err)
	}
	s.port = p
	s.log.Info("serial transport opened", "baud", s.cfg.Baud)
	return nil
}

func (s *Serial) Read(ctx context.Context, buf []byte) (int, error) {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return 0, ioErr(io.ErrClosedPipe)
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, cancelled()
		}
		n, err := p.Read(buf)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			// A read timeout from tarm/serial surfaces as a zero-byte
			// read with an error (io.EOF included); treat any
			// zero-byte, no-data condition as "poll again".
			if ctx.Err() != nil {
				return 0, cancelled()
			}
			continue
		}
	}
}

func (s *Serial) WriteAll(ctx context.Context, p []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return ioErr(io.ErrClosedPipe)
	}
	for len(p) > 0 {
		if err := ctx.Err(); err != nil {
			return cancelled()
		}
		n, err := port.Write(p)
		if err != nil {
			return ioErr(err)
		}
		p = p[n:]
	}
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.log.Info("serial transport closed")
	if err != nil {
		return ioErr(err)
	}
	return nil
}
