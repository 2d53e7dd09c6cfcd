package h2core

import (
	"fmt"

	"golang.org/x/net/http2"
)

// describeFrame renders a frame as a single human-readable line for
// trace logging, grounded on mod_h2's frame_print: one case per frame
// type, with the detail that actually varies (header count, error code,
// window increment) rather than a generic hex dump.
func describeFrame(f http2.Frame) string {
	switch fr := f.(type) {
	case *http2.DataFrame:
		return fmt.Sprintf("DATA[length=%d, stream=%d, eos=%t]",
			len(fr.Data()), fr.StreamID, fr.StreamEnded())

	case *http2.MetaHeadersFrame:
		return fmt.Sprintf("HEADERS[fields=%d, stream=%d, eos=%t]",
			len(fr.Fields), fr.StreamID, fr.StreamEnded())

	case *http2.HeadersFrame:
		return fmt.Sprintf("HEADERS[length=%d, hend=%t, stream=%d, eos=%t]",
			len(fr.HeaderBlockFragment()), fr.HeadersEnded(), fr.StreamID, fr.StreamEnded())

	case *http2.PriorityFrame:
		return fmt.Sprintf("PRIORITY[stream=%d]", fr.StreamID)

	case *http2.RSTStreamFrame:
		return fmt.Sprintf("RST_STREAM[stream=%d, code=%s]", fr.StreamID, fr.ErrCode)

	case *http2.SettingsFrame:
		if fr.IsAck() {
			return "SETTINGS[ack=1]"
		}
		return fmt.Sprintf("SETTINGS[count=%d]", fr.NumSettings())

	case *http2.PushPromiseFrame:
		return fmt.Sprintf("PUSH_PROMISE[stream=%d, promised=%d]", fr.StreamID, fr.PromiseID)

	case *http2.PingFrame:
		return fmt.Sprintf("PING[ack=%t]", fr.IsAck())

	case *http2.GoAwayFrame:
		return fmt.Sprintf("GOAWAY[error=%s, last_stream=%d, reason=%q]",
			fr.ErrCode, fr.LastStreamID, string(fr.DebugData()))

	case *http2.WindowUpdateFrame:
		return fmt.Sprintf("WINDOW_UPDATE[stream=%d, incr=%d]", fr.StreamID, fr.Increment)

	case *http2.ContinuationFrame:
		return fmt.Sprintf("CONTINUATION[stream=%d, hend=%t]", fr.StreamID, fr.HeadersEnded())

	default:
		hdr := f.Header()
		return fmt.Sprintf("FRAME[type=%d, length=%d, flags=%d, stream=%d]",
			hdr.Type, hdr.Length, hdr.Flags, hdr.StreamID)
	}
}
