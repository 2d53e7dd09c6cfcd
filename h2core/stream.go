package h2core

import (
	"io"
	"net/http"

	"golang.org/x/net/http2/hpack"
)

// streamState is the subset of the RFC 7540 stream state machine this
// core needs to track; PRIORITY/PUSH_PROMISE-related states are not
// modeled since priority trees and server push are non-goals.
type streamState uint8

const (
	streamIdle streamState = iota
	streamOpen
	streamHalfClosedRemote
	streamClosed
)

func (s streamState) String() string {
	switch s {
	case streamIdle:
		return "idle"
	case streamOpen:
		return "open"
	case streamHalfClosedRemote:
		return "half-closed(remote)"
	case streamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Task is the opaque worker-side handle created once a stream's request
// headers are complete. The session never inspects its internals; it
// only asks whether the task has finished, for zombie reaping.
type Task interface {
	// Finished reports whether the worker has produced its response (or
	// given up) and released everything it was holding for this stream.
	Finished() bool
}

// Response is the envelope a worker hands back: status, headers, and a
// lazily-drained body source. A Response with Status == 0 means "no
// response was produced" (the default multiplexer enqueues one when it
// is aborted before the handler could start), which the pump turns into
// an RST_STREAM.
type Response struct {
	StreamID uint32
	Status   int
	Headers  []hpack.HeaderField
	Body     io.Reader
}

// Stream is a single request/response exchange multiplexed on the
// session. All operations below are called only from the connection
// goroutine; the only field touched from a worker goroutine is the one
// reached through the MultiplexerPort, never directly.
type Stream struct {
	ID    uint32
	state streamState

	headers  []hpack.HeaderField
	headersClosed bool
	body     []byte
	bodyEOS  bool

	suspended bool

	task     Task
	response *Response

	// bodyDone records that response.Body has already reported io.EOF,
	// so later Read calls return io.EOF without touching the body again.
	bodyDone bool
}

func newStream(id uint32) *Stream {
	return &Stream{ID: id, state: streamIdle}
}

func (s *Stream) State() streamState { return s.state }

// WriteHeader appends a decoded header field to the pending list. It
// fails once the header block has been closed by WriteEndOfHeaders or
// the stream can no longer accept input.
func (s *Stream) WriteHeader(f hpack.HeaderField) error {
	if s.state == streamHalfClosedRemote || s.state == streamClosed {
		return newH2Error(errStreamClosed, "stream %d: header after close", s.ID)
	}
	if s.headersClosed {
		return newH2Error(errProtocol, "stream %d: header after END_HEADERS", s.ID)
	}
	s.headers = append(s.headers, f)
	return nil
}

// WriteEndOfHeaders freezes the header list and moves an idle stream to
// open, enabling body acceptance.
func (s *Stream) WriteEndOfHeaders() error {
	s.headersClosed = true
	if s.state == streamIdle {
		s.state = streamOpen
	}
	return nil
}

// WriteData appends body bytes. A closed or half-closed(remote) stream
// rejects further data with a protocol error, matching the RFC 7540
// state machine.
func (s *Stream) WriteData(b []byte) error {
	if s.state == streamHalfClosedRemote || s.state == streamClosed {
		return newH2Error(errProtocol, "stream %d: DATA after half-close", s.ID)
	}
	if len(b) > 0 {
		s.body = append(s.body, b...)
	}
	return nil
}

// WriteEndOfStream marks the input side finished. Idempotent: calling it
// twice (e.g. once from a HEADERS frame with END_STREAM, once more from a
// defensive caller) has no additional effect.
func (s *Stream) WriteEndOfStream() error {
	if s.bodyEOS {
		return nil
	}
	s.bodyEOS = true
	if s.state == streamOpen {
		s.state = streamHalfClosedRemote
	}
	return nil
}

// Rewrite seeds a stream from a pre-existing HTTP/1-style request. It is
// only ever used once, to bootstrap stream 1 of an h2c upgrade: the
// request that carried the Upgrade: h2c header becomes this stream's
// "received" headers and body, as if they had arrived as HTTP/2 frames.
func (s *Stream) Rewrite(r *http.Request) error {
	s.headers = append(s.headers,
		hpack.HeaderField{Name: ":method", Value: r.Method},
		hpack.HeaderField{Name: ":path", Value: r.URL.RequestURI()},
		hpack.HeaderField{Name: ":scheme", Value: "http"},
		hpack.HeaderField{Name: ":authority", Value: r.Host},
	)
	for name, values := range r.Header {
		for _, v := range values {
			s.headers = append(s.headers, hpack.HeaderField{Name: name, Value: v})
		}
	}
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return newH2Error(errInternal, "h2c bootstrap: read body: %s", err)
		}
		s.body = b
	}
	return nil
}

// SetResponse attaches a worker's response envelope. Called by the pump
// once it has popped a ready Response off the multiplexer.
func (s *Stream) SetResponse(r *Response) {
	s.response = r
}

// HasResponse reports whether a worker has produced a response yet.
func (s *Stream) HasResponse() bool { return s.response != nil }

// Read fills up to len(p) bytes from the response body. It returns
// errWouldBlock when the body source has nothing ready right now but may
// later (the caller suspends and waits for a resume signal), io.EOF when
// the body is exhausted, or a fatal error otherwise.
func (s *Stream) Read(p []byte) (n int, eos bool, err error) {
	if s.response == nil || s.response.Body == nil {
		return 0, true, io.EOF
	}
	if s.bodyDone {
		return 0, true, io.EOF
	}

	n, err = s.response.Body.Read(p)
	switch {
	case err == nil:
		return n, false, nil
	case err == io.EOF:
		s.bodyDone = true
		return n, true, nil
	case isWouldBlock(err):
		return 0, false, errWouldBlock
	default:
		return 0, false, newH2Error(errInternal, "stream %d: body read: %s", s.ID, err)
	}
}

// isWouldBlock recognizes the sentinel a streaming body source uses to
// say "no data yet, but more is coming" without tying this package to a
// specific body-source implementation.
func isWouldBlock(err error) bool {
	return err == errWouldBlock
}

func (s *Stream) IsSuspended() bool     { return s.suspended }
func (s *Stream) SetSuspended(b bool)   { s.suspended = b }

func (s *Stream) SetTask(t Task) { s.task = t }
func (s *Stream) TaskHandle() Task { return s.task }

// close transitions the stream to CLOSED regardless of its prior state;
// used both on normal completion and on RST_STREAM.
func (s *Stream) close() {
	s.state = streamClosed
	s.suspended = false
}
