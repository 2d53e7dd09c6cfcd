package h2core

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// MultiplexerPort is the contract between the session, which runs
// single-threaded on the connection goroutine, and the worker tasks,
// which run concurrently on goroutines owned by the multiplexer. The
// session never locks anything of its own to talk to it; every method
// here is safe to call from either side.
type MultiplexerPort interface {
	// OpenIO notifies the worker side that a new stream exists, before
	// its request headers have necessarily finished arriving.
	OpenIO(streamID uint32)

	// Dispatch hands a fully-received request to the worker runtime and
	// returns a Task handle the session can poll for completion. Called
	// once headers (and, for a request with a body, DATA) are complete.
	Dispatch(streamID uint32, req *http.Request) Task

	// PopResponse returns the next ready response from any stream on
	// this connection, or (nil, false) if none is ready yet. Never
	// blocks.
	PopResponse() (*Response, bool)

	// OutHasDataFor reports whether the given stream's body source has
	// bytes (or a terminal error) ready to be pulled right now.
	OutHasDataFor(streamID uint32) bool

	// InUpdateWindows invokes cb once per stream with input bytes that
	// have been consumed but not yet credited back to the peer, then
	// clears that accounting.
	InUpdateWindows(cb func(streamID uint32, bytes int))

	// CreditInput records that the session has accepted n more input
	// bytes for streamID, to be drained by a later InUpdateWindows.
	CreditInput(streamID uint32, n int)

	// OutTryWait blocks up to timeout, woken early by any worker
	// producing new output or finishing, via Signal.
	OutTryWait(timeout time.Duration)

	// Cleanup garbage-collects internal bookkeeping for streams whose
	// output has been fully drained.
	Cleanup()

	// Abort unblocks every worker waiting on this multiplexer with an
	// error; used once, on session abort.
	Abort()
}

// defaultMultiplexer is the in-process MultiplexerPort: workers are
// goroutines executing an http.Handler, bounded by a weighted
// semaphore, the idiomatic Go analogue of the spec's external "worker
// task runtime" collaborator.
type defaultMultiplexer struct {
	logger logger

	handler http.Handler
	sem     *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	cond      *sync.Cond
	responses []*Response
	bodies    map[uint32]*BodySource
	consumed  map[uint32]int
	aborted   bool
}

func newDefaultMultiplexer(logger logger, handler http.Handler, maxConcurrent int64) *defaultMultiplexer {
	ctx, cancel := context.WithCancel(context.Background())
	mp := &defaultMultiplexer{
		logger:   logger,
		handler:  handler,
		sem:      semaphore.NewWeighted(maxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
		bodies:   make(map[uint32]*BodySource),
		consumed: make(map[uint32]int),
	}
	mp.cond = sync.NewCond(&mp.mu)
	return mp
}

var _ MultiplexerPort = (*defaultMultiplexer)(nil)

func (mp *defaultMultiplexer) OpenIO(streamID uint32) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.consumed[streamID] = 0
}

// CreditInput records bytes the session has accepted off the wire for a
// stream; it is called from the connection goroutine (onDataFrame) rather
// than from a worker, but shares the same lock since InUpdateWindows
// drains the same map.
func (mp *defaultMultiplexer) CreditInput(streamID uint32, n int) {
	mp.mu.Lock()
	mp.consumed[streamID] += n
	mp.mu.Unlock()
}

func (mp *defaultMultiplexer) InUpdateWindows(cb func(streamID uint32, bytes int)) {
	mp.mu.Lock()
	pending := mp.consumed
	mp.consumed = make(map[uint32]int, len(pending))
	mp.mu.Unlock()

	for id, n := range pending {
		if n > 0 {
			cb(id, n)
		}
	}
}

func (mp *defaultMultiplexer) Dispatch(streamID uint32, req *http.Request) Task {
	t := &workerTask{done: make(chan struct{})}

	if err := mp.sem.Acquire(mp.ctx, 1); err != nil {
		// Aborted before the worker could even start: surface an empty
		// response immediately so the pump RST_STREAMs it instead of
		// hanging forever waiting for a task that will never run.
		close(t.done)
		mp.enqueue(&Response{StreamID: streamID})
		return t
	}

	go func() {
		defer mp.sem.Release(1)
		defer close(t.done)

		rw := newResponseWriter(streamID, mp)
		mp.handler.ServeHTTP(rw, req)
		rw.finish()
	}()

	return t
}

// enqueue is shared by Dispatch's early-abort path and responseWriter's
// header flush.
func (mp *defaultMultiplexer) enqueue(r *Response) {
	mp.mu.Lock()
	mp.responses = append(mp.responses, r)
	mp.mu.Unlock()
	mp.signal()
}

func (mp *defaultMultiplexer) registerBody(streamID uint32, b *BodySource) {
	mp.mu.Lock()
	mp.bodies[streamID] = b
	mp.mu.Unlock()
}

func (mp *defaultMultiplexer) PopResponse() (*Response, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if len(mp.responses) == 0 {
		return nil, false
	}
	r := mp.responses[0]
	mp.responses = mp.responses[1:]
	return r, true
}

func (mp *defaultMultiplexer) OutHasDataFor(streamID uint32) bool {
	mp.mu.Lock()
	b := mp.bodies[streamID]
	mp.mu.Unlock()
	if b == nil {
		return false
	}
	return b.hasData()
}

// signal wakes any goroutine parked in OutTryWait. Workers call this
// indirectly (via BodySource's notify closure and enqueue) whenever they
// produce something the session might be waiting on.
func (mp *defaultMultiplexer) signal() {
	mp.mu.Lock()
	mp.cond.Broadcast()
	mp.mu.Unlock()
}

func (mp *defaultMultiplexer) OutTryWait(timeout time.Duration) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if mp.aborted || len(mp.responses) > 0 {
		return
	}

	timer := time.AfterFunc(timeout, mp.signal)
	defer timer.Stop()
	mp.cond.Wait()
}

func (mp *defaultMultiplexer) Cleanup() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for id, b := range mp.bodies {
		if b.hasData() && len(b.buf) == 0 && b.closed {
			delete(mp.bodies, id)
		}
	}
}

func (mp *defaultMultiplexer) Abort() {
	mp.mu.Lock()
	mp.aborted = true
	mp.mu.Unlock()

	mp.cancel()
	mp.signal()
}

// workerTask is the Task handle returned by Dispatch. It holds nothing
// but a completion signal: no pointer back to the Stream, so a reaped
// Stream is never reachable from worker code (see DESIGN.md, cyclic
// ownership).
type workerTask struct {
	done chan struct{}
}

func (t *workerTask) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

var _ Task = (*workerTask)(nil)
