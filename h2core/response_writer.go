package h2core

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// responseWriter satisfies http.ResponseWriter for a handler running
// inside the default multiplexer. Unlike the teacher's buffer-the-whole-
// body version, this one streams: the first Write (or an explicit
// WriteHeader) flushes a Response carrying a *BodySource immediately, so
// later Write calls feed bytes the session can start pulling before the
// handler returns.
type responseWriter struct {
	id  uint32
	mp  *defaultMultiplexer
	hdr http.Header

	statusCode int
	body       *BodySource
	flushed    bool
}

var _ http.ResponseWriter = (*responseWriter)(nil)

func newResponseWriter(id uint32, mp *defaultMultiplexer) *responseWriter {
	return &responseWriter{id: id, mp: mp, hdr: make(http.Header)}
}

func (rw *responseWriter) Header() http.Header { return rw.hdr }

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.WriteHeader(http.StatusOK)
	return rw.body.Write(b)
}

// WriteHeader freezes the status and header set, builds the Response
// envelope with a fresh BodySource as its Body, registers that source
// with the multiplexer (for OutHasDataFor), and enqueues the envelope.
// Subsequent calls are no-ops, matching net/http's own ResponseWriter
// contract.
func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.flushed {
		return
	}
	rw.flushed = true
	rw.statusCode = statusCode

	fields := make([]hpack.HeaderField, 0, len(rw.hdr))
	for name, values := range rw.hdr {
		name = strings.ToLower(name)
		for _, v := range values {
			fields = append(fields, hpack.HeaderField{Name: name, Value: v})
		}
	}

	rw.body = NewBodySource(rw.mp.signal)
	rw.mp.registerBody(rw.id, rw.body)

	rw.mp.enqueue(&Response{
		StreamID: rw.id,
		Status:   statusCode,
		Headers:  fields,
		Body:     rw.body,
	})
}

// finish is called once the handler has returned, regardless of whether
// it ever wrote anything: an entirely silent handler still gets a
// 200-with-empty-body response submitted.
func (rw *responseWriter) finish() {
	rw.WriteHeader(http.StatusOK)
	rw.body.CloseWithError(nil)
}

// contentLengthHeader is a small helper callers building a Response by
// hand (outside of responseWriter, e.g. in tests) can use to add a
// correct content-length when the full body is known up front.
func contentLengthHeader(n int) hpack.HeaderField {
	return hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(n)}
}
