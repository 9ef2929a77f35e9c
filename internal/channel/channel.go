// Package channel implements the per-connection state machine that bridges a
// single non-blocking reactor goroutine to the pool of worker goroutines
// that run application tasks. A Channel owns one socket's read buffer, parse
// state, and output queue; the reactor drives its Readable/Writable/
// HandleRead/HandleWrite/HandleClose methods, while workers drive WriteSoon,
// Service, and Cancel from inside task goroutines. The two sides coordinate
// through a task mutex (guarding the pending-request queue) and a buffer
// mutex paired with a condition variable (guarding the output queue and
// implementing high-watermark backpressure).
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/waitress-go/httpcore/internal/buffer"
	"github.com/waitress-go/httpcore/internal/parser"
)

// Task is serviced once per completed request. Implementations live in
// internal/task; Channel only depends on this narrow contract so the two
// packages don't import each other's concrete types.
type Task interface {
	// Service runs the application handler for req, writing its response
	// via the Channel's WriteSoon/WriteFileStream. A non-nil error other
	// than ErrClientDisconnected is treated as an application failure.
	Service() error
	// WroteHeader reports whether any response bytes reached the output
	// queue before Service returned, which decides whether a failure can
	// still be converted into a synthesized 500.
	WroteHeader() bool
	// CloseOnFinish reports whether the channel should close once this
	// task's response is flushed, per the request's HTTP version and
	// Connection header (HTTP/1.0 default-closes, "Connection: close"
	// forces it, HTTP/1.1 keep-alive does not).
	CloseOnFinish() bool
}

// TaskFactory builds a Task for a completed request against its owning
// channel. The channel never constructs request handlers itself.
type TaskFactory func(ch *Channel, req *parser.Request) Task

// Hooks are the collaborators a Channel calls out to but does not own.
type Hooks struct {
	// AddTask hands the channel to the work-queue once it has at least
	// one complete, non-empty pending request.
	AddTask func(ch *Channel)
	// PullTrigger wakes the reactor so it re-evaluates this channel's
	// Writable() promptly instead of waiting for the next poll tick.
	PullTrigger func()
	// OnClosed notifies the reactor so it can drop the channel from its
	// fd registry; may be nil.
	OnClosed func(ch *Channel)
}

// Config mirrors waitress's adj tunables relevant to a single channel.
type Config struct {
	OutbufOverflow      int64
	OutbufHighWatermark int64
	SendBytes           int64
	RecvBytes           int
	LogSocketErrors     bool
	ExposeTracebacks    bool
}

// Params constructs a Channel. Recv/Send/Close are thin wrappers around a
// single non-blocking syscall each (so Send can legitimately report a short
// write) — the reactor supplies the real ones; tests supply fakes.
type Params struct {
	Addr             net.Addr
	SendBufLen       int
	Config           Config
	Hooks            Hooks
	Recv             func([]byte) (int, error)
	Send             func([]byte) (int, error)
	Close            func() error
	TaskFactory      TaskFactory
	ErrorTaskFactory TaskFactory
	Logger           *slog.Logger
}

// Channel is one accepted connection's full read/parse/queue/write state.
type Channel struct {
	addr       net.Addr
	sendBufLen int
	cfg        Config
	hooks      Hooks
	recv       func([]byte) (int, error)
	send       func([]byte) (int, error)
	closeConn  func() error
	logger     *slog.Logger

	taskFactory      TaskFactory
	errorTaskFactory TaskFactory

	// Reactor-owned: touched only from the goroutine driving HandleRead/
	// HandleWrite/HandleClose, so no lock guards them.
	request      *parser.Request
	out          *buffer.OutputQueue
	sentContinue bool

	creationTime time.Time
	lastActivity atomic.Int64

	willClose        atomic.Bool
	closeWhenFlushed atomic.Bool
	connected        atomic.Bool

	taskMu          sync.Mutex
	pendingRequests []*parser.Request
	pendingCount    atomic.Int32

	bufMu         sync.Mutex
	bufCond       *sync.Cond
	knownLen      atomic.Int64
	hasUnseekable atomic.Bool
	hasData       atomic.Bool
}

// New creates a Channel ready for the reactor to register and start driving.
func New(p Params) *Channel {
	ch := &Channel{
		addr:             p.Addr,
		sendBufLen:       p.SendBufLen,
		cfg:              p.Config,
		hooks:            p.Hooks,
		recv:             p.Recv,
		send:             p.Send,
		closeConn:        p.Close,
		logger:           p.Logger,
		taskFactory:      p.TaskFactory,
		errorTaskFactory: p.ErrorTaskFactory,
		out:              buffer.NewOutputQueue(p.Config.OutbufOverflow),
		creationTime:     time.Now(),
	}
	ch.bufCond = sync.NewCond(&ch.bufMu)
	ch.connected.Store(true)
	ch.lastActivity.Store(ch.creationTime.UnixNano())
	if ch.logger == nil {
		ch.logger = slog.Default()
	}
	return ch
}

// Addr is the peer address this channel serves.
func (ch *Channel) Addr() net.Addr { return ch.addr }

// Connected reports whether the socket is still considered open.
func (ch *Channel) Connected() bool { return ch.connected.Load() }

// LastActivity is the timestamp of the most recent read or flushed write.
func (ch *Channel) LastActivity() time.Time { return time.Unix(0, ch.lastActivity.Load()) }

// CreationTime is when the channel was constructed.
func (ch *Channel) CreationTime() time.Time { return ch.creationTime }

// ---- reactor-side: predicates ----

// Readable reports whether the reactor should ask for more bytes: the
// channel isn't closing, has no request awaiting a worker, and has no
// response data of its own queued to write yet.
func (ch *Channel) Readable() bool {
	return !ch.willClose.Load() && ch.pendingCount.Load() == 0 && !ch.hasData.Load()
}

// Writable reports whether the reactor should attempt a flush.
func (ch *Channel) Writable() bool {
	return ch.hasData.Load() || ch.willClose.Load()
}

// ---- reactor-side: read path ----

// HandleRead pulls one recv's worth of bytes and feeds the parser. A
// would-block result just ends the read. An EOF or any other error closes
// the channel at once (only errors other than EOF are logged); output still
// queued when the peer's EOF arrives is discarded, not flushed first.
func (ch *Channel) HandleRead() {
	buf := make([]byte, ch.cfg.RecvBytes)
	n, err := ch.recv(buf)
	if n > 0 {
		ch.lastActivity.Store(time.Now().UnixNano())
		ch.received(buf[:n])
	}
	if err != nil {
		if errors.Is(err, errWouldBlock) {
			return
		}
		if !errors.Is(err, errEOF) {
			if ch.cfg.LogSocketErrors {
				ch.logger.Warn("socket read error", "remote_addr", ch.addr, "error", err)
			}
		}
		ch.HandleClose()
	}
}

// received feeds data to the in-progress (or freshly started) request,
// handling the 100-continue latch and handing completed, non-empty requests
// to the pending queue. No new parser is started while a response is still
// pending flush would be wrong for pipelining, but waitress's own discipline
// is enforced by callers never invoking HandleRead while data remains
// unread, so this only governs within one read's worth of bytes.
func (ch *Channel) received(data []byte) {
	var completedAny bool
	for len(data) > 0 {
		if ch.request == nil {
			ch.request = parser.New()
		}
		req := ch.request

		n, _ := req.Received(data)

		if req.ExpectContinue && req.HeadersFinished && !ch.sentContinue {
			req.ExpectContinue = false
			ch.sendContinue()
			ch.sentContinue = true
		}

		if req.Completed {
			ch.request = nil
			ch.sentContinue = false
			if !req.Empty {
				ch.pendingAppend(req)
				completedAny = true
			}
		}

		if n <= 0 || n >= len(data) {
			break
		}
		data = data[n:]
	}
	if completedAny && ch.hooks.AddTask != nil {
		ch.hooks.AddTask(ch)
	}
}

func (ch *Channel) sendContinue() {
	payload := []byte("HTTP/1.1 100 Continue\r\n\r\n")
	ch.bufMu.Lock()
	_, _ = ch.out.AppendBytes(payload, ch.cfg.OutbufHighWatermark)
	ch.refreshBufStatsLocked()
	ch.bufMu.Unlock()
	if err := ch.flushUnlocked(); err != nil && ch.cfg.LogSocketErrors {
		ch.logger.Warn("socket error flushing 100-continue", "remote_addr", ch.addr, "error", err)
	}
}

func (ch *Channel) pendingAppend(req *parser.Request) {
	ch.taskMu.Lock()
	ch.pendingRequests = append(ch.pendingRequests, req)
	ch.pendingCount.Store(int32(len(ch.pendingRequests)))
	ch.taskMu.Unlock()
}

// ---- reactor-side: write path ----

// HandleWrite decides, based on whether a worker currently owns the output
// queue, whether to flush without locking (safe only when no worker can be
// running) or to attempt a try-lock flush (safe always, but skippable).
func (ch *Channel) HandleWrite() {
	if !ch.connected.Load() {
		return
	}

	var flushErr error
	if ch.pendingCount.Load() == 0 {
		flushErr = ch.flushUnlocked()
	} else if ch.knownLen.Load() >= ch.cfg.SendBytes || ch.hasUnseekable.Load() {
		flushErr = ch.flushIfLockable()
	}

	if flushErr != nil {
		if ch.cfg.LogSocketErrors {
			ch.logger.Warn("socket error while flushing", "remote_addr", ch.addr, "error", flushErr)
		}
		ch.willClose.Store(true)
	}

	if ch.closeWhenFlushed.Load() && !ch.hasData.Load() {
		ch.closeWhenFlushed.Store(false)
		ch.willClose.Store(true)
	}

	if ch.willClose.Load() {
		ch.HandleClose()
	}
}

// flushUnlocked drains without taking bufMu. Only safe when pendingCount is
// 0, since that guarantees no worker goroutine is concurrently touching the
// output queue via WriteSoon/WriteFileStream.
func (ch *Channel) flushUnlocked() error {
	sent, err := ch.out.Drain(ch.send, ch.sendBufLen)
	ch.refreshBufStatsNoLock()
	if sent > 0 {
		ch.lastActivity.Store(time.Now().UnixNano())
	}
	return err
}

// flushIfLockable attempts a flush only if the buffer mutex is free,
// guaranteeing the reactor never blocks waiting on a worker.
func (ch *Channel) flushIfLockable() error {
	if !ch.bufMu.TryLock() {
		return nil
	}
	defer ch.bufMu.Unlock()
	sent, err := ch.out.Drain(ch.send, ch.sendBufLen)
	ch.refreshBufStatsLocked()
	if sent > 0 {
		ch.lastActivity.Store(time.Now().UnixNano())
	}
	if ch.knownLen.Load() <= ch.cfg.OutbufHighWatermark {
		ch.bufCond.Broadcast()
	}
	return err
}

func (ch *Channel) refreshBufStatsLocked() {
	ch.knownLen.Store(ch.out.KnownLen())
	ch.hasUnseekable.Store(ch.out.HasUnseekable())
	ch.hasData.Store(ch.out.HasData())
}

// refreshBufStatsNoLock mirrors refreshBufStatsLocked for the unlocked flush
// path, where the caller has already established no worker can be active.
func (ch *Channel) refreshBufStatsNoLock() { ch.refreshBufStatsLocked() }

// HandleClose tears down the socket and releases all queued buffers. Safe
// to call more than once.
func (ch *Channel) HandleClose() {
	if !ch.connected.Swap(false) {
		return
	}

	ch.bufMu.Lock()
	ch.out.CloseAll()
	ch.refreshBufStatsLocked()
	ch.bufCond.Broadcast()
	ch.bufMu.Unlock()

	if ch.closeConn != nil {
		_ = ch.closeConn()
	}
	if ch.hooks.OnClosed != nil {
		ch.hooks.OnClosed(ch)
	}
}

// ---- worker-side ----

// WriteSoon appends response bytes, blocking the calling worker goroutine
// while the queue sits above the high watermark. Returns ErrClientDisconnected
// once the peer is gone, the same error Service should treat as the unwind
// signal it already checks for.
func (ch *Channel) WriteSoon(data []byte) (int64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	ch.bufMu.Lock()
	defer ch.bufMu.Unlock()
	for ch.connected.Load() && ch.knownLen.Load() > ch.cfg.OutbufHighWatermark {
		ch.bufCond.Wait()
	}
	if !ch.connected.Load() {
		return 0, ErrClientDisconnected
	}
	n, err := ch.out.AppendBytes(data, ch.cfg.OutbufHighWatermark)
	ch.refreshBufStatsLocked()
	if err != nil {
		return 0, err
	}
	if ch.hooks.PullTrigger != nil {
		ch.hooks.PullTrigger()
	}
	return int64(n), nil
}

// WriteFileStream queues fs behind any already-pending bytes, for
// file-backed response bodies. Returns fs's byte count, or buffer.Unknown
// if fs cannot report its length up front.
func (ch *Channel) WriteFileStream(fs *buffer.FileStream) (int64, error) {
	ch.bufMu.Lock()
	defer ch.bufMu.Unlock()
	for ch.connected.Load() && ch.knownLen.Load() > ch.cfg.OutbufHighWatermark {
		ch.bufCond.Wait()
	}
	if !ch.connected.Load() {
		return 0, ErrClientDisconnected
	}
	ch.out.AppendFileStream(fs)
	ch.refreshBufStatsLocked()
	if ch.hooks.PullTrigger != nil {
		ch.hooks.PullTrigger()
	}
	return fs.Remaining(), nil
}

// Service runs every pending request's task to completion, in order,
// holding the task mutex for the duration so the reactor's Readable() never
// observes a torn pendingRequests slice mid-iteration (pendingCount, the
// lock-free mirror it actually reads, only drops to zero on the very last
// iteration, matching the no-overlap discipline the reactor depends on).
func (ch *Channel) Service() {
	ch.taskMu.Lock()
	defer ch.taskMu.Unlock()

	for len(ch.pendingRequests) > 0 {
		req := ch.pendingRequests[0]
		closeOnFinish := ch.serviceOne(req)

		if closeOnFinish {
			ch.closeWhenFlushed.Store(true)
			for _, r := range ch.pendingRequests {
				r.Close()
			}
			ch.pendingRequests = nil
			ch.pendingCount.Store(0)
			break
		}

		if len(ch.pendingRequests) > 1 {
			ch.waitBelowHighWatermark()
		}
		req.Close()
		ch.pendingRequests = ch.pendingRequests[1:]
		ch.pendingCount.Store(int32(len(ch.pendingRequests)))
	}

	ch.lastActivity.Store(time.Now().UnixNano())
	if ch.connected.Load() && ch.hooks.PullTrigger != nil {
		ch.hooks.PullTrigger()
	}
}

func (ch *Channel) serviceOne(req *parser.Request) (closeOnFinish bool) {
	var task Task
	if req.Error != nil {
		task = ch.errorTaskFactory(ch, req)
	} else {
		task = ch.taskFactory(ch, req)
	}

	err := ch.runTaskSafely(task)
	switch {
	case err == nil:
		return task.CloseOnFinish()
	case errors.Is(err, ErrClientDisconnected):
		ch.logger.Info("client disconnected mid-response", "path", req.Path)
		return true
	default:
		ch.logger.Error("request task failed", "path", req.Path, "error", err)
		if task.WroteHeader() {
			return true
		}
		synth := synthesize500(req, ch.cfg.ExposeTracebacks, err)
		errTask := ch.errorTaskFactory(ch, synth)
		if errErr := ch.runTaskSafely(errTask); errErr != nil {
			ch.logger.Error("error task itself failed", "path", req.Path, "error", errErr)
			return true
		}
		return errTask.CloseOnFinish()
	}
}

func (ch *Channel) runTaskSafely(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrApplicationPanic, r, debug.Stack())
		}
	}()
	return task.Service()
}

func (ch *Channel) waitBelowHighWatermark() {
	if ch.knownLen.Load() <= ch.cfg.OutbufHighWatermark {
		return
	}
	ch.bufMu.Lock()
	for ch.connected.Load() && ch.knownLen.Load() > ch.cfg.OutbufHighWatermark {
		ch.bufCond.Wait()
	}
	ch.bufMu.Unlock()
}

// Cancel abandons every pending request without servicing it, used when the
// reactor is shutting down and cannot wait for worker goroutines to drain.
func (ch *Channel) Cancel() {
	ch.willClose.Store(true)
	ch.connected.Store(false)
	ch.lastActivity.Store(time.Now().UnixNano())

	ch.taskMu.Lock()
	for _, r := range ch.pendingRequests {
		r.Close()
	}
	ch.pendingRequests = nil
	ch.pendingCount.Store(0)
	ch.taskMu.Unlock()

	ch.bufMu.Lock()
	ch.bufCond.Broadcast()
	ch.bufMu.Unlock()
}

// synthesize500 builds a completed, headerless request carrying an
// InternalServerError payload, preserving the original's protocol version
// and Connection header so the error task can still honor keep-alive.
func synthesize500(orig *parser.Request, exposeTrace bool, cause error) *parser.Request {
	synth := parser.New()
	synth.Completed = true
	synth.HeadersFinished = true
	synth.Version = orig.Version
	synth.Method = orig.Method
	synth.Path = orig.Path
	synth.Headers = make(textproto.MIMEHeader)
	if conn := orig.Headers.Get("Connection"); conn != "" {
		synth.Headers.Set("Connection", conn)
	}

	body := "The server encountered an unexpected internal error."
	if exposeTrace {
		body = cause.Error()
	}
	synth.Error = &InternalServerError{Body: body}
	return synth
}

var (
	errWouldBlock = errors.New("channel: operation would block")
	errEOF        = errors.New("channel: peer closed connection")
)

// ErrWouldBlock and ErrEOF are the sentinel errors a Params.Recv/Send
// implementation should wrap (via errors.Is) to signal, respectively, a
// non-blocking read/write with nothing ready, and an orderly peer close.
var (
	ErrWouldBlock = errWouldBlock
	ErrEOF        = errEOF
)
