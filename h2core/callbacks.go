package h2core

import (
	"bufio"
	"bytes"
	"net/http"

	"golang.org/x/net/http2"
)

// dispatchFrame is the session's SessionCallbacks: one case per inbound
// frame type, mirroring the teacher's reader.go/multiplexer.go switch
// but driven by golang.org/x/net/http2's frame types instead of the
// hand-rolled ones. aborted short-circuits every case, matching §4.4's
// "each callback inspects aborted first".
func (s *Session) dispatchFrame(f http2.Frame) error {
	if s.aborted {
		return errInvalidStreamState
	}

	s.framesReceived++
	s.log.tracef("recv %s", describeFrame(f))

	switch fr := f.(type) {
	case *http2.MetaHeadersFrame:
		return s.onHeadersFrame(fr)

	case *http2.DataFrame:
		return s.onDataFrame(fr)

	case *http2.RSTStreamFrame:
		if stream := s.active.Get(fr.StreamID); stream != nil {
			stream.close()
			return s.closeActiveStream(stream, false)
		}
		return nil

	case *http2.SettingsFrame:
		if fr.IsAck() {
			return nil
		}
		if err := s.codec.applyPeerSettings(fr); err != nil {
			return err
		}
		s.closeDrainedStreams()
		return s.codec.ackSettings()

	case *http2.WindowUpdateFrame:
		s.codec.applyWindowUpdate(fr)
		s.closeDrainedStreams()
		return nil

	case *http2.PingFrame:
		if !fr.IsAck() {
			return wrapInternal(s.codec.framer.WritePing(true, fr.Data))
		}
		return nil

	case *http2.GoAwayFrame:
		s.log.infof("received GOAWAY code=%s last_stream=%d", fr.ErrCode, fr.LastStreamID)
		s.aborted = true
		return nil

	case *http2.PriorityFrame:
		return nil // priority trees are a non-goal; accepted and ignored

	case *http2.PushPromiseFrame:
		return newH2Error(errProtocol, "clients must not send PUSH_PROMISE")

	default:
		return nil // unknown frame types are ignored per RFC 7540 §4.1
	}
}

// onInvalidFrameRecv is §4.4's OnInvalidFrameRecv: diagnostic only,
// logged right before the caller decides whether the read error that
// triggered it is fatal.
func (s *Session) onInvalidFrameRecv(err error) {
	s.log.warnf("invalid frame received: %s", err)
}

// beforeFrameSend is §4.4's BeforeFrameSend: traced immediately before a
// frame submission is attempted, so a trace of the connection's outbound
// side exists even when the attempt itself never logs anything else.
func (s *Session) beforeFrameSend(kind string, streamID uint32) {
	s.log.tracef("send %s stream=%d", kind, streamID)
}

// onFrameSend / onFrameNotSend are §4.4's matching pair reporting the
// outcome of that submission.
func (s *Session) onFrameSend(kind string, streamID uint32) {
	s.log.tracef("sent %s stream=%d", kind, streamID)
}

func (s *Session) onFrameNotSend(kind string, streamID uint32, err error) {
	s.log.warnf("failed to send %s stream=%d: %s", kind, streamID, err)
}

func wrapInternal(err error) error {
	if err == nil {
		return nil
	}
	return newH2Error(errInternal, "%s", err)
}

// onBeginHeaders creates a new Stream, marks it open, and tells the
// multiplexer a stream now exists. Mirrors §4.4's on_begin_headers_cb.
func (s *Session) onBeginHeaders(streamID uint32) (*Stream, error) {
	stream := newStream(streamID)
	stream.state = streamOpen
	if err := s.active.Add(stream); err != nil {
		return nil, errInvalidStreamID
	}
	s.streamsOpened++
	s.mux.OpenIO(streamID)
	return stream, nil
}

func (s *Session) onHeadersFrame(fr *http2.MetaHeadersFrame) error {
	stream := s.active.Get(fr.StreamID)
	if stream == nil {
		var err error
		stream, err = s.onBeginHeaders(fr.StreamID)
		if err != nil {
			return err
		}
	}

	for _, field := range fr.Fields {
		if err := stream.WriteHeader(field); err != nil {
			return errInvalidStreamState
		}
	}

	return s.streamEndHeaders(stream, fr.StreamEnded())
}

func (s *Session) onDataFrame(fr *http2.DataFrame) error {
	stream := s.active.Get(fr.StreamID)
	if stream == nil {
		return errInvalidStreamID
	}

	data := fr.Data()
	if err := stream.WriteData(data); err != nil {
		return errInvalidStreamState
	}
	if len(data) > 0 {
		s.mux.CreditInput(fr.StreamID, len(data))
	}

	if fr.StreamEnded() {
		if err := stream.WriteEndOfStream(); err != nil {
			return errInvalidStreamState
		}
		return s.maybeDispatch(stream)
	}

	return nil
}

// streamEndHeaders freezes the header list, applies end-of-stream if
// the frame carried it, and — once the request is fully received —
// dispatches the Task and fires afterStreamOpen. Mirrors §4.4's
// stream_end_headers.
func (s *Session) streamEndHeaders(stream *Stream, eos bool) error {
	if err := stream.WriteEndOfHeaders(); err != nil {
		return err
	}
	if eos {
		if err := stream.WriteEndOfStream(); err != nil {
			return err
		}
	}
	return s.maybeDispatch(stream)
}

// maybeDispatch builds the worker request and hands it to the
// multiplexer the moment a stream reaches HALF_CLOSED_REMOTE — whether
// that happened because the HEADERS frame itself carried END_STREAM or
// because a later DATA frame did. A stream still awaiting body bytes is
// left alone; it is revisited on its next frame.
func (s *Session) maybeDispatch(stream *Stream) error {
	if stream.state != streamHalfClosedRemote || stream.TaskHandle() != nil {
		return nil
	}

	req, err := buildRequest(stream)
	if err != nil {
		s.log.warnf("stream %d: invalid request: %s", stream.ID, err)
		return errInvalidStreamState
	}

	task := s.mux.Dispatch(stream.ID, req)
	stream.SetTask(task)

	if s.afterStreamOpen != nil {
		s.afterStreamOpen(s, stream, task)
	}
	return nil
}

// closeDrainedStreams closes every stream the codec reports as having
// just had its deferred end-of-stream DATA chunk flushed out from under
// pumpStreamData (see codec.go's drainedStreams). Without this, a
// stream that went window-blocked on its very last chunk would never
// leave `active` once flow control caught up.
func (s *Session) closeDrainedStreams() {
	for _, id := range s.codec.TakeDrainedStreams() {
		stream := s.active.Get(id)
		if stream == nil {
			continue
		}
		stream.close()
		if err := s.closeActiveStream(stream, false); err != nil {
			s.log.warnf("stream %d: close after deferred flush: %s", id, err)
		}
	}
}

// closeActiveStream removes a stream from `active` and asks the host
// whether it is safe to destroy now. Mirrors §4.4's
// close_active_stream.
func (s *Session) closeActiveStream(stream *Stream, join bool) error {
	s.active.Remove(stream)
	s.codec.noteStreamClosed(stream.ID)

	outcome, err := closeOK, error(nil)
	if s.beforeStreamClose != nil {
		outcome, err = s.beforeStreamClose(s, stream, stream.TaskHandle(), join)
	}
	if err != nil {
		return err
	}

	switch outcome {
	case closeOK:
		// destroyed: nothing left to track.
	case closeEAgain:
		if err := s.zombies.Add(stream); err != nil {
			return newH2Error(errInternal, "%s", err)
		}
	}
	return nil
}

// joinZombieStream is closeActiveStream's counterpart for streams
// already in the zombie set: it always joins (waits for the worker)
// since it only runs during Destroy.
func (s *Session) joinZombieStream(stream *Stream) error {
	s.zombies.Remove(stream)
	if s.beforeStreamClose == nil {
		return nil
	}
	_, err := s.beforeStreamClose(s, stream, stream.TaskHandle(), true)
	return err
}

// buildRequest reconstructs an *http.Request from the header pairs and
// body bytes a stream accumulated, the same approach the teacher's
// multiplexer.go buildRequest takes (replay as HTTP/1 text, then
// http.ReadRequest), generalized to pseudo-headers already split out as
// hpack.HeaderField values instead of a custom HeaderList.
func buildRequest(stream *Stream) (*http.Request, error) {
	var method, path, authority, scheme string
	host := ""
	header := make(http.Header)

	for _, f := range stream.headers {
		switch f.Name {
		case ":method":
			method = f.Value
		case ":path":
			path = f.Value
		case ":authority":
			authority = f.Value
		case ":scheme":
			scheme = f.Value
		case "host":
			host = f.Value
		default:
			if len(f.Name) == 0 || f.Name[0] == ':' {
				continue
			}
			header.Add(f.Name, f.Value)
		}
	}
	if host == "" {
		host = authority
	}

	buf := new(bytes.Buffer)
	buf.WriteString(method + " " + path + " HTTP/1.1\r\n")
	buf.WriteString("host: " + host + "\r\n")
	for name, values := range header {
		for _, v := range values {
			buf.WriteString(name + ": " + v + "\r\n")
		}
	}
	buf.WriteString("\r\n")
	buf.Write(stream.body)

	req, err := http.ReadRequest(bufio.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = scheme
	req.URL.Host = host
	return req, nil
}
