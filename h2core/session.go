package h2core

import (
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// closeOutcome is the host's answer to "is it safe to forget this
// stream right now", returned from a BeforeStreamClose hook. It exists
// because the worker side may still be mid-flight (e.g. a handler
// still writing to its ResponseWriter after RST_STREAM arrived) even
// though the codec-visible half of the stream has ended.
type closeOutcome uint8

const (
	// closeOK means the stream can be dropped immediately.
	closeOK closeOutcome = iota
	// closeEAgain means the worker Task has not finished; the stream
	// moves to the zombie set and is polled until Task.Finished().
	closeEAgain
)

// SessionStats is the supplemented per-connection counter snapshot
// (see SPEC_FULL.md's "Session.Stats()" feature, grounded on mod_h2's
// h2_session_log_stats). It is a point-in-time copy, safe to read from
// any goroutine.
type SessionStats struct {
	FramesReceived uint64
	StreamsOpened  uint64
	ActiveStreams  int
	ZombieStreams  int
	ResumeCount    uint64
}

// Session is the connection-scoped state machine described by the
// data model: one per accepted connection, driven entirely from a
// single goroutine via alternating Read/Write calls. Every exported
// method, Abort included, must only be called from that one goroutine:
// none of them takes a lock.
type Session struct {
	id   uint64
	conn net.Conn
	log  logger

	codec *codec
	mux   MultiplexerPort

	cfg *Config

	active  *StreamSet
	zombies *StreamSet

	aborted   bool
	destroyed bool

	framesReceived uint64
	streamsOpened  uint64
	resumeCount    uint64

	afterStreamOpen   func(s *Session, stream *Stream, task Task)
	beforeStreamClose func(s *Session, stream *Stream, task Task, join bool) (closeOutcome, error)

	abortErr error
}

var nextSessionID uint64

// Create builds a Session bound to an already-accepted connection. It
// does not touch the network; call Start or StartH2C next. Mirrors
// §4.6's session_create.
func Create(conn net.Conn, handler http.Handler, cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	nextSessionID++
	id := nextSessionID

	s := &Session{
		id:                id,
		conn:              conn,
		log:               newLogger(cfg.Logger, id),
		codec:             newCodec(conn),
		cfg:               cfg,
		active:            NewStreamSet(),
		zombies:           NewStreamSet(),
		afterStreamOpen:   cfg.AfterStreamOpen,
		beforeStreamClose: cfg.BeforeStreamClose,
	}
	s.mux = newDefaultMultiplexer(s.log, handler, cfg.MaxWorkerConcurrency)

	return s, nil
}

// Start begins a session that negotiated HTTP/2 directly (ALPN "h2" or
// prior-knowledge cleartext): it reads and validates the client
// preface, then submits the server's initial SETTINGS. Mirrors §4.6's
// session_start.
func (s *Session) Start() error {
	if err := s.codec.readClientPreface(); err != nil {
		s.Abort(err)
		return err
	}
	s.log.infof("connection preface completed")
	return s.sendInitialSettings()
}

// StartH2C begins a session that arrived via the HTTP/1.1 Upgrade: h2c
// mechanism (RFC 7540 §3.2). upgradeReq is the original HTTP/1.1
// request that carried the Upgrade header and the base64url-encoded
// HTTP2-Settings payload; it becomes stream 1 synthetically, as if its
// headers and body had arrived as HTTP/2 frames, before any bytes are
// read off the wire. StartH2C itself reads no client preface: the caller
// already consumed the HTTP/1.1 request line and headers to get here,
// and per RFC 7540 §3.2 the client still must send the connection
// preface before its first real HTTP/2 frame, which StartH2C's caller
// (UpgradeHandler) reads after StartH2C returns.
func (s *Session) StartH2C(upgradeReq *http.Request, settingsPayload string) error {
	if settingsPayload == "" {
		return ErrUpgrade{Context: UpgradeContext{Reason: "missing HTTP2-Settings header"}}
	}
	if err := s.codec.applyUpgradeSettings(settingsPayload); err != nil {
		return ErrUpgrade{Inner: err, Context: UpgradeContext{Reason: "malformed HTTP2-Settings"}}
	}

	stream, err := s.onBeginHeaders(1)
	if err != nil {
		return ErrUpgrade{Inner: err, Context: UpgradeContext{Reason: "failed to synthesize stream 1"}}
	}
	if err := stream.Rewrite(upgradeReq); err != nil {
		return ErrUpgrade{Inner: err, Context: UpgradeContext{Reason: "failed to replay upgrade request"}}
	}
	if err := s.streamEndHeaders(stream, true); err != nil {
		return ErrUpgrade{Inner: err, Context: UpgradeContext{Reason: "failed to dispatch stream 1"}}
	}

	s.log.infof("h2c upgrade completed, stream 1 synthesized")
	return s.sendInitialSettings()
}

func (s *Session) sendInitialSettings() error {
	s.log.tracef("sending initial settings max_streams=%d init_window=%d max_header_list=%d",
		s.cfg.MaxStreams, s.cfg.InitialWindowSize, s.cfg.MaxHeaderListSize)

	s.beforeFrameSend("SETTINGS", 0)
	err := s.codec.SubmitSettings(
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: s.cfg.MaxStreams},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: s.cfg.InitialWindowSize},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: s.cfg.MaxHeaderListSize},
	)
	if err != nil {
		s.onFrameNotSend("SETTINGS", 0, err)
		s.Abort(err)
		return err
	}
	s.onFrameSend("SETTINGS", 0)
	return s.codec.Send()
}

// Read pulls and dispatches exactly one inbound frame. deadline, if
// non-zero, bounds how long it will block waiting for that frame
// (§4.6's "blockMode" parameter of session_read, rendered as a Go
// deadline rather than a boolean poll/block switch since net.Conn
// already exposes one).
func (s *Session) Read(deadline time.Time) error {
	if s.aborted {
		return errInvalidStreamState
	}

	if !deadline.IsZero() {
		if err := s.codec.SetReadDeadline(deadline); err != nil {
			return err
		}
	}

	f, err := s.codec.ReadFrame()
	if err != nil {
		switch classifyIOError(err) {
		case ioWouldBlock:
			return nil
		default:
			s.onInvalidFrameRecv(err)
			s.Abort(err)
			return err
		}
	}

	if err := s.dispatchFrame(f); err != nil {
		if isFatal(err) {
			s.Abort(err)
		}
		return err
	}
	return nil
}

// GoAway begins connection shutdown. graceful follows RFC 7540 §6.8's
// two-GOAWAY pattern: a first GOAWAY with the maximum stream id and
// NO_ERROR is sent immediately, giving in-flight streams a chance to
// finish, and the caller is expected to send a second, final GOAWAY
// by calling GoAway(false) once it decides no more time can be given;
// Destroy does not send one. A non-graceful call sends the
// terminal GOAWAY right away, advertising the last stream the codec
// actually processed.
func (s *Session) GoAway(graceful bool) error {
	if graceful {
		s.beforeFrameSend("GOAWAY(shutdown-notice)", 0)
		if err := s.codec.SubmitShutdownNotice(); err != nil {
			s.onFrameNotSend("GOAWAY(shutdown-notice)", 0, err)
			return err
		}
		s.onFrameSend("GOAWAY(shutdown-notice)", 0)
		return s.codec.Send()
	}
	s.beforeFrameSend("GOAWAY(final)", 0)
	if err := s.codec.SubmitGoAway(errNo, nil); err != nil {
		s.onFrameNotSend("GOAWAY(final)", 0, err)
		return err
	}
	s.onFrameSend("GOAWAY(final)", 0)
	s.codec.TerminateSession()
	return s.codec.Send()
}

// Abort tears the session down immediately on a fatal error: marks it
// aborted (so Read/Write refuse further work), records the first error
// seen, sends a final GOAWAY with last_stream_id=0 (RFC 7540 §6.8: this
// connection is dead, nothing on it should be retried), and unblocks
// every worker parked on the multiplexer so Destroy does not have to
// wait forever for goroutines that can no longer produce anything
// useful. Idempotent. Like the rest of Session it is unsynchronized,
// so it must be called from the goroutine driving the session.
func (s *Session) Abort(err error) {
	if s.aborted {
		return
	}
	s.aborted = true
	s.abortErr = err
	if err != nil {
		s.log.warnf("session aborted: %s", err)
	}

	code := errInternal
	var h2 *h2Error
	if errors.As(err, &h2) {
		code = h2.code
	}
	s.beforeFrameSend("GOAWAY(abort)", 0)
	if gaErr := s.codec.SubmitAbortGoAway(code, nil); gaErr != nil {
		s.onFrameNotSend("GOAWAY(abort)", 0, gaErr)
		s.log.warnf("failed to submit abort GOAWAY: %s", gaErr)
	} else {
		s.onFrameSend("GOAWAY(abort)", 0)
	}
	s.codec.TerminateSession()
	if sendErr := s.codec.Send(); sendErr != nil {
		s.log.warnf("failed to flush abort GOAWAY: %s", sendErr)
	}

	s.mux.Abort()
}

// IsDone reports whether the connection goroutine can stop calling
// Read/Write: the session was aborted, or it was told to terminate and
// has no active or zombie streams left to drain.
func (s *Session) IsDone() bool {
	if s.aborted {
		return true
	}
	return !s.codec.WantRead() && s.active.IsEmpty() && s.zombies.IsEmpty()
}

// Destroy tears down every remaining stream, synchronously: active
// streams are asked to join (wait for their worker Task), and anything
// already in the zombie set from an earlier close is joined too.
// Mirrors §4.6's session_destroy.
func (s *Session) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true

	s.active.ForEach(func(stream *Stream) bool {
		if err := s.closeActiveStream(stream, true); err != nil {
			s.log.warnf("stream %d: close on destroy: %s", stream.ID, err)
		}
		return true
	})

	s.zombies.ForEach(func(stream *Stream) bool {
		if err := s.joinZombieStream(stream); err != nil {
			s.log.warnf("stream %d: join on destroy: %s", stream.ID, err)
		}
		return true
	})
}

// Close releases the underlying connection. Call after Destroy.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Stats returns a snapshot of the session's lifetime counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		FramesReceived: s.framesReceived,
		StreamsOpened:  s.streamsOpened,
		ActiveStreams:  s.active.Size(),
		ZombieStreams:  s.zombies.Size(),
		ResumeCount:    s.resumeCount,
	}
}
