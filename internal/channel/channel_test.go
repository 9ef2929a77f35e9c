package channel

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/waitress-go/httpcore/internal/parser"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeTask lets each test script exactly what Service should do.
type fakeTask struct {
	wroteHeader   bool
	closeOnFinish bool
	run           func(task *fakeTask) error
}

func (f *fakeTask) Service() error      { return f.run(f) }
func (f *fakeTask) WroteHeader() bool   { return f.wroteHeader }
func (f *fakeTask) CloseOnFinish() bool { return f.closeOnFinish }

// harness wires a Channel to in-memory recv/send queues so tests can drive
// both reactor- and worker-side methods deterministically.
type harness struct {
	mu        sync.Mutex
	toSend    bytes.Buffer
	sent      bytes.Buffer
	sendLimit int // 0 means unlimited per call
	closed    bool

	addTaskCalls int
	ch           *Channel
}

func newHarness(t *testing.T, taskFactory, errTaskFactory TaskFactory) *harness {
	t.Helper()
	h := &harness{}
	h.ch = New(Params{
		Addr:       fakeAddr("127.0.0.1:9999"),
		SendBufLen: 4096,
		Config: Config{
			OutbufOverflow:      8192,
			OutbufHighWatermark: 1 << 20,
			SendBytes:           1,
			RecvBytes:           4096,
		},
		Hooks: Hooks{
			AddTask: func(ch *Channel) {
				h.addTaskCalls++
				ch.Service()
			},
		},
		Recv: func(buf []byte) (int, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.toSend.Len() == 0 {
				return 0, ErrWouldBlock
			}
			return h.toSend.Read(buf)
		},
		Send: func(p []byte) (int, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			n := len(p)
			if h.sendLimit > 0 && n > h.sendLimit {
				n = h.sendLimit
			}
			h.sent.Write(p[:n])
			return n, nil
		},
		Close: func() error {
			h.closed = true
			return nil
		},
		TaskFactory:      taskFactory,
		ErrorTaskFactory: errTaskFactory,
	})
	return h
}

func echoTaskFactory(body string) TaskFactory {
	return func(ch *Channel, req *parser.Request) Task {
		return &fakeTask{run: func(f *fakeTask) error {
			f.wroteHeader = true
			_, err := ch.WriteSoon([]byte(body))
			return err
		}}
	}
}

func TestChannel_SimpleGET(t *testing.T) {
	h := newHarness(t, echoTaskFactory("HTTP/1.1 200 OK\r\nContent-Length:2\r\n\r\nok"), echoTaskFactory("err"))
	h.toSend.WriteString("GET /x HTTP/1.1\r\nHost: a\r\n\r\n")

	h.ch.HandleRead()
	if h.addTaskCalls != 1 {
		t.Fatalf("addTaskCalls = %d, want 1", h.addTaskCalls)
	}
	if !h.ch.Writable() {
		t.Fatal("expected channel writable after task wrote a response")
	}
	h.ch.HandleWrite()
	if got := h.sent.String(); got != "HTTP/1.1 200 OK\r\nContent-Length:2\r\n\r\nok" {
		t.Fatalf("sent = %q", got)
	}
	if h.ch.Writable() {
		t.Fatal("expected channel not writable once fully drained")
	}
}

func TestChannel_PipelinedPair(t *testing.T) {
	var served []string
	var mu sync.Mutex
	factory := func(ch *Channel, req *parser.Request) Task {
		return &fakeTask{run: func(f *fakeTask) error {
			mu.Lock()
			served = append(served, req.Path)
			mu.Unlock()
			f.wroteHeader = true
			_, err := ch.WriteSoon([]byte("x"))
			return err
		}}
	}
	h := newHarness(t, factory, factory)
	h.toSend.WriteString("GET /one HTTP/1.1\r\nHost: a\r\n\r\nGET /two HTTP/1.1\r\nHost: a\r\n\r\n")

	h.ch.HandleRead()
	if h.addTaskCalls != 1 {
		t.Fatalf("addTaskCalls = %d, want 1 (one hand-off for both pipelined requests)", h.addTaskCalls)
	}
	if len(served) != 2 || served[0] != "/one" || served[1] != "/two" {
		t.Fatalf("served = %v, want [/one /two] in order", served)
	}
}

func TestChannel_ExpectContinue(t *testing.T) {
	factory := func(ch *Channel, req *parser.Request) Task {
		return &fakeTask{run: func(f *fakeTask) error {
			f.wroteHeader = true
			_, err := ch.WriteSoon([]byte("done"))
			return err
		}}
	}
	h := newHarness(t, factory, factory)
	h.toSend.WriteString("PUT /up HTTP/1.1\r\nHost: a\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n")

	h.ch.HandleRead()
	if !bytes.Contains(h.sent.Bytes(), []byte("100 Continue")) {
		t.Fatalf("expected a 100-continue to have been flushed eagerly, sent = %q", h.sent.String())
	}
	if h.addTaskCalls != 0 {
		t.Fatal("body not yet complete: no task should be queued")
	}

	h.sent.Reset()
	h.toSend.WriteString("body")
	h.ch.HandleRead()
	if h.addTaskCalls != 1 {
		t.Fatalf("addTaskCalls = %d, want 1 once body completed", h.addTaskCalls)
	}
}

func TestChannel_PartialSocketWrite(t *testing.T) {
	h := newHarness(t, echoTaskFactory("0123456789"), echoTaskFactory("err"))
	h.sendLimit = 3
	h.toSend.WriteString("GET /x HTTP/1.1\r\nHost: a\r\n\r\n")
	h.ch.HandleRead()

	for i := 0; i < 10 && h.ch.Writable(); i++ {
		h.ch.HandleWrite()
	}
	if h.sent.String() != "0123456789" {
		t.Fatalf("sent = %q, want full payload preserved in order across short writes", h.sent.String())
	}
}

func TestChannel_WorkerExceptionPreHeader(t *testing.T) {
	boom := errors.New("boom")
	appFactory := func(ch *Channel, req *parser.Request) Task {
		return &fakeTask{run: func(f *fakeTask) error {
			return boom // fails before writing any header
		}}
	}
	errFactory := func(ch *Channel, req *parser.Request) Task {
		return &fakeTask{run: func(f *fakeTask) error {
			f.wroteHeader = true
			_, err := ch.WriteSoon([]byte("HTTP/1.1 500 Internal Server Error\r\n\r\n"))
			return err
		}}
	}
	h := newHarness(t, appFactory, errFactory)
	h.toSend.WriteString("GET /x HTTP/1.1\r\nHost: a\r\n\r\n")
	h.ch.HandleRead()

	if h.ch.closeWhenFlushed.Load() {
		t.Fatal("a pre-header failure recovered by the error task should not force closing")
	}
	h.ch.HandleWrite()
	if !bytes.Contains(h.sent.Bytes(), []byte("500")) {
		t.Fatalf("expected synthesized 500 response, sent = %q", h.sent.String())
	}
}

func TestChannel_ClientDisconnectMidResponse(t *testing.T) {
	appFactory := func(ch *Channel, req *parser.Request) Task {
		return &fakeTask{run: func(f *fakeTask) error {
			f.wroteHeader = true
			return ErrClientDisconnected
		}}
	}
	h := newHarness(t, appFactory, appFactory)
	h.toSend.WriteString("GET /x HTTP/1.1\r\nHost: a\r\n\r\n")
	h.ch.HandleRead()

	if !h.ch.closeWhenFlushed.Load() {
		t.Fatal("expected closeWhenFlushed once a task reports the client vanished")
	}
}

func TestChannel_Cancel(t *testing.T) {
	h := newHarness(t, echoTaskFactory("x"), echoTaskFactory("x"))
	h.toSend.WriteString("GET /x HTTP/1.1\r\nHost: a\r\nX-Hold: 1\r\n\r\n")
	// Don't let the hook auto-service; rebuild a channel with no AddTask so
	// the request stays pending for Cancel to discard.
	var addTaskCalls int
	ch := New(Params{
		Addr:       fakeAddr("x"),
		SendBufLen: 4096,
		Config:     Config{OutbufOverflow: 8192, OutbufHighWatermark: 1 << 20, RecvBytes: 4096, SendBytes: 1},
		Hooks:      Hooks{AddTask: func(*Channel) { addTaskCalls++ }},
		Recv: func(buf []byte) (int, error) {
			return copy(buf, []byte("GET /x HTTP/1.1\r\nHost: a\r\n\r\n")), ErrWouldBlock
		},
		Send:             func(p []byte) (int, error) { return len(p), nil },
		Close:            func() error { return nil },
		TaskFactory:      echoTaskFactory("x"),
		ErrorTaskFactory: echoTaskFactory("x"),
	})
	ch.HandleRead()
	if addTaskCalls != 1 {
		t.Fatalf("addTaskCalls = %d, want 1", addTaskCalls)
	}
	ch.Cancel()
	if ch.Connected() {
		t.Fatal("expected Cancel to mark the channel disconnected")
	}
	if ch.pendingCount.Load() != 0 {
		t.Fatal("expected Cancel to discard pending requests")
	}
}

var _ net.Addr = fakeAddr("")
