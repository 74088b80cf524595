package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	// Path defaults to ./courier.log.
	Path string
}

// Sink owns the process log outputs: a readable console stream and an
// optional JSON file.
type Sink struct {
	mu   sync.Mutex
	file *os.File
	cur  atomic.Pointer[zerolog.Logger]
}

// New builds a Sink from cfg and returns it with a root Logger bound to it.
// A log file that cannot be opened is reported on the console instead.
func New(cfg Config) (*Sink, Logger) {
	s := &Sink{}
	root := Logger{src: &s.cur}
	if err := s.Apply(cfg); err != nil {
		root.Warn("log file unavailable; console only", Err(err))
	}
	return s, root
}

// Apply swaps level and outputs. Loggers already handed out switch over on
// their next entry. The console stays on when no other output is usable.
func (s *Sink) Apply(cfg Config) error {
	setupGlobals()
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	var file *os.File
	var err error
	if cfg.File.Enabled {
		if file, err = openFile(cfg.File.Path); err == nil {
			outs = append(outs, zerolog.SyncWriter(file))
		}
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.cur.Store(&zl)
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	return err
}

// Close releases the log file. Loggers bound to s discard from then on.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nop := zerolog.Nop()
	s.cur.Store(&nop)
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func openFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./courier.log"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
