package h2core

import (
	"time"

	"github.com/inconshreveable/log15"
)

// Config is the closed set of session knobs from spec §6, plus the
// ambient logger and hook fields every session construction needs.
// Built with the functional-options shape the pack's ngrok/libngrok-go
// uses for its ConnectConfig, rather than a struct literal callers must
// keep in sync with field order.
type Config struct {
	MaxStreams        uint32
	MaxHeaderListSize uint32
	InitialWindowSize uint32

	MaxWorkerConcurrency int64
	IdleWriteTimeout     time.Duration

	Logger log15.Logger

	AfterStreamOpen   func(s *Session, stream *Stream, task Task)
	BeforeStreamClose func(s *Session, stream *Stream, task Task, join bool) (closeOutcome, error)
}

// NewConfig returns a Config with the same defaults mod_h2 and the
// teacher's own writer.go assume in practice: a 64 KiB initial window,
// a generous header list size, and 100 concurrent streams.
func NewConfig() *Config {
	logger := log15.New()
	logger.SetHandler(log15.DiscardHandler())

	return &Config{
		MaxStreams:           100,
		MaxHeaderListSize:    16 << 20,
		InitialWindowSize:    defaultInitialWindow,
		MaxWorkerConcurrency: 64,
		IdleWriteTimeout:     5 * time.Second,
		Logger:               logger,
	}
}

func (c *Config) WithMaxStreams(n uint32) *Config {
	c.MaxStreams = n
	return c
}

func (c *Config) WithMaxHeaderListSize(n uint32) *Config {
	c.MaxHeaderListSize = n
	return c
}

func (c *Config) WithInitialWindowSize(n uint32) *Config {
	c.InitialWindowSize = n
	return c
}

func (c *Config) WithMaxWorkerConcurrency(n int64) *Config {
	c.MaxWorkerConcurrency = n
	return c
}

func (c *Config) WithIdleWriteTimeout(d time.Duration) *Config {
	c.IdleWriteTimeout = d
	return c
}

func (c *Config) WithLogger(l log15.Logger) *Config {
	c.Logger = l
	return c
}

func (c *Config) WithStreamHooks(
	afterOpen func(s *Session, stream *Stream, task Task),
	beforeClose func(s *Session, stream *Stream, task Task, join bool) (closeOutcome, error),
) *Config {
	c.AfterStreamOpen = afterOpen
	c.BeforeStreamClose = beforeClose
	return c
}

func (c *Config) validate() error {
	if c.MaxStreams == 0 {
		return ErrConfig{Context: ConfigContext{Field: "MaxStreams"}}
	}
	if c.InitialWindowSize == 0 {
		return ErrConfig{Context: ConfigContext{Field: "InitialWindowSize"}}
	}
	return nil
}

// logger is the teacher's own tiny logging seam (h2s/server.go's
// `logger func(format string, a ...interface{})`), kept as an adapter
// in front of log15 so call sites that just want a printf-shaped trace
// line don't need to learn log15's key/value API.
type logger struct {
	log15.Logger
}

func newLogger(base log15.Logger, connID uint64) logger {
	return logger{base.New("conn", connID)}
}

func (l logger) tracef(format string, a ...interface{}) {
	l.Debug(sprintfCompat(format, a...))
}

func (l logger) infof(format string, a ...interface{}) {
	l.Info(sprintfCompat(format, a...))
}

func (l logger) warnf(format string, a ...interface{}) {
	l.Warn(sprintfCompat(format, a...))
}
