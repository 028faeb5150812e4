package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Sink    SinkConfig

	// Output replaces stderr for console output. Tests set it.
	Output io.Writer
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./postpilot.log"

// Service owns the writers behind every Logger it hands out. Apply swaps them
// in place, so loggers created before a reload pick up the new outputs.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File
	fwd  *forwarder

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg. sink may be nil; it is only used when
// cfg.Sink.Enabled is set.
func New(cfg Config, sink Sink) (*Service, Logger) {
	s := &Service{}
	if sink != nil {
		s.fwd = newForwarder(sink)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return nopLogger
}

// Apply rebuilds outputs and levels. A log file that cannot be opened is
// reported on stderr and skipped; logging to the remaining writers continues.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	level := parseLevel(cfg.Level, zerolog.InfoLevel)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
			NoColor:    out != os.Stderr,
		})
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if s.fwd != nil {
		s.fwd.configure(cfg.Sink)
		if cfg.Sink.Enabled {
			writers = append(writers, s.fwd)
		}
	}

	var zl zerolog.Logger
	switch len(writers) {
	case 0:
		zl = zerolog.Nop()
	case 1:
		zl = zerolog.New(writers[0])
	default:
		zl = zerolog.New(zerolog.MultiLevelWriter(writers...))
	}
	zl = zl.Level(level).With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close flushes the sink queue and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	if s.fwd != nil {
		s.fwd.stop()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func parseLevel(raw string, def zerolog.Level) zerolog.Level {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return def
	}
	if raw == "warning" {
		raw = "warn"
	}
	lvl, err := zerolog.ParseLevel(raw)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}
