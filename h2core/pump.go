package h2core

import (
	"io"
	"net"
	"time"
)

// Write performs one cooperative round of the scheduler: credit input
// windows, drive any buffered codec output, pop ready responses and
// hand them to the codec, resume any stream that was suspended and now
// has data, idle-wait once if there was truly nothing to do, and reap
// finished zombies. One call returns after one round; the caller
// alternates Read/Write until IsDone. Mirrors §4.5 / mod_h2's
// h2_session_write almost line for line.
func (s *Session) Write(timeout time.Duration) error {
	haveWritten := false

	// 1. Credit input windows.
	s.mux.InUpdateWindows(func(streamID uint32, n int) {
		if err := s.codec.Consume(streamID, n); err == nil {
			haveWritten = true
		}
	})

	// 2. Drive codec send.
	if s.codec.WantWrite() {
		if err := s.flushCodec(); err != nil {
			return err
		}
		haveWritten = true
	}

	// 3. Pop ready responses.
	for {
		resp, ok := s.mux.PopResponse()
		if !ok {
			break
		}
		stream := s.active.Get(resp.StreamID)
		if stream == nil {
			continue // stream was RST'd or reaped before the worker answered
		}
		stream.SetResponse(resp)
		if err := s.handleResponse(stream); err != nil {
			return err
		}
		haveWritten = true
	}

	// 4. Resume suspended streams.
	if s.resumeSuspended() {
		haveWritten = true
	}

	// 5. Idle wait.
	if !haveWritten && timeout > 0 && !s.codec.WantWrite() {
		s.mux.OutTryWait(timeout)
		if s.resumeSuspended() {
			haveWritten = true
		}
	}

	// 6. Final send.
	if s.codec.WantWrite() {
		if err := s.flushCodec(); err != nil {
			return err
		}
		haveWritten = true
	}

	// 7. Flush I/O.
	if haveWritten {
		if err := s.codec.Send(); err != nil {
			s.Abort(err)
			return err
		}
	}

	// 8. Reap zombies.
	s.reapZombies()

	return nil
}

// flushCodec asks the codec to push whatever it has buffered; a fatal
// error here means the peer connection is unusable and the session
// aborts immediately, matching §4.5 step 2/6's "fatal codec errors
// abort the session with ECONNABORTED".
func (s *Session) flushCodec() error {
	if err := s.codec.Send(); err != nil {
		if isFatal(err) {
			s.Abort(err)
		}
		return err
	}
	return nil
}

// resumeSuspended walks `active` for streams the codec is currently
// deferring (suspended == true) that now have data ready, clears the
// suspend flag, and asks the codec to resume them. Per the testable
// property in spec §8, each such stream is resumed at most once per
// availability transition: the flag is cleared before ResumeData is
// called, so a stream cannot be double-resumed within one round.
func (s *Session) resumeSuspended() bool {
	resumed := false
	s.active.ForEach(func(stream *Stream) bool {
		if stream.IsSuspended() && s.mux.OutHasDataFor(stream.ID) {
			stream.SetSuspended(false)
			s.resumeCount++
			s.codec.ResumeData(stream.ID)
			if err := s.pumpStreamData(stream); err != nil {
				s.log.warnf("stream %d: resume failed: %s", stream.ID, err)
			}
			resumed = true
		}
		return true
	})
	return resumed
}

// handleResponse submits either the final response headers (plus as
// much body as is immediately available) or an RST_STREAM, mirroring
// §4.5's handle_response / h2_session_handle_response.
func (s *Session) handleResponse(stream *Stream) error {
	if !stream.HasResponse() {
		return nil
	}
	resp := stream.response

	if resp.Status == 0 {
		s.beforeFrameSend("RST_STREAM", stream.ID)
		if err := s.codec.SubmitRstStream(stream.ID, errInternal); err != nil {
			s.onFrameNotSend("RST_STREAM", stream.ID, err)
			if isFatal(err) {
				s.Abort(err)
			}
			return err
		}
		s.onFrameSend("RST_STREAM", stream.ID)
		stream.close()
		return s.closeActiveStream(stream, false)
	}

	s.beforeFrameSend("HEADERS", stream.ID)
	if err := s.codec.SubmitResponse(stream.ID, resp.Status, resp.Headers, false); err != nil {
		s.onFrameNotSend("HEADERS", stream.ID, err)
		if isFatal(err) {
			s.Abort(err)
		}
		return err
	}
	s.onFrameSend("HEADERS", stream.ID)

	return s.pumpStreamData(stream)
}

// pumpStreamData is this Go rendition's stand-in for nghttp2's
// data_source_read callback (§4.5's body_pull_cb): it pulls as many
// bytes as the stream's body source and the codec's flow-control
// windows will allow right now, writing DATA frames as it goes. If the
// stream has nothing ready, it is marked suspended and left for the
// next resume pass rather than blocking the connection goroutine.
func (s *Session) pumpStreamData(stream *Stream) error {
	buf := make([]byte, maxFrameSize)

	for {
		n, eos, err := stream.Read(buf)
		switch classifyIOError(err) {
		case ioOK:
			s.beforeFrameSend("DATA", stream.ID)
			written, werr := s.codec.WriteData(stream.ID, buf[:n], eos)
			if werr != nil {
				s.onFrameNotSend("DATA", stream.ID, werr)
				if isFatal(werr) {
					s.Abort(werr)
				}
				return werr
			}
			s.onFrameSend("DATA", stream.ID)
			if written < n {
				// Window-blocked mid-chunk: the remainder is already
				// queued by WriteData; nothing more to pull right now.
				return nil
			}
			if eos {
				stream.close()
				return s.closeActiveStream(stream, false)
			}

		case ioWouldBlock:
			stream.SetSuspended(true)
			return nil

		case ioEOF:
			s.beforeFrameSend("DATA", stream.ID)
			if _, werr := s.codec.WriteData(stream.ID, nil, true); werr != nil {
				s.onFrameNotSend("DATA", stream.ID, werr)
				if isFatal(werr) {
					s.Abort(werr)
				}
				return werr
			}
			s.onFrameSend("DATA", stream.ID)
			stream.close()
			return s.closeActiveStream(stream, false)

		default:
			if isFatal(err) {
				s.Abort(err)
			}
			return err
		}
	}
}

// ioOutcome is the Go analogue of mod_h2's
// h2_session_status_from_apr_status: a small translation table from the
// handful of error shapes this package's I/O paths produce down to the
// four outcomes the pump distinguishes (Session.Read only separates
// would-block from everything else).
type ioOutcome uint8

const (
	ioOK ioOutcome = iota
	ioWouldBlock
	ioEOF
	ioFatal
)

func classifyIOError(err error) ioOutcome {
	switch {
	case err == nil:
		return ioOK
	case isWouldBlock(err), err == errDeferred:
		return ioWouldBlock
	case err == io.EOF:
		return ioEOF
	default:
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ioWouldBlock
		}
		return ioFatal
	}
}

// reapZombies polls every zombie stream's worker Task; finished ones
// are removed and forgotten. Mirrors §4.5 step 8 / mod_h2's
// reap_zombies.
func (s *Session) reapZombies() {
	s.mux.Cleanup()

	s.zombies.ForEach(func(stream *Stream) bool {
		if stream.TaskHandle() == nil || stream.TaskHandle().Finished() {
			s.zombies.Remove(stream)
		}
		return true
	})
}
