//go:build linux

// Package reactor drives Channel state machines from a single epoll-backed
// event loop goroutine, giving the "the reactor never blocks" property of
// the design a real non-blocking socket underneath it instead of leaving it
// as a documented-only invariant. It owns the epoll fd, a self-pipe used as
// a pull-trigger, a registry of active channels keyed by fd, and an
// optional cron-scheduled idle sweep.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sys/unix"

	"github.com/waitress-go/httpcore/internal/channel"
)

// Config controls the reactor's idle-sweep cadence.
type Config struct {
	// IdleTimeout closes any channel whose LastActivity is older than
	// this. Zero disables the sweep regardless of SweepCron.
	IdleTimeout time.Duration
	// SweepCron is a robfig/cron expression (e.g. "@every 30s"). Empty
	// disables scheduled sweeping.
	SweepCron string
}

type entry struct {
	fd   int
	ch   *channel.Channel
	conn net.Conn
}

// Reactor is the epoll event loop and active-channel registry.
type Reactor struct {
	epfd   int
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	channels map[int]*entry

	cron *cron.Cron

	wakeR, wakeW *os.File
}

// New creates a Reactor with its epoll fd and wake pipe ready, but does not
// start the idle sweep or the event loop yet.
func New(cfg Config, logger *slog.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reactor{epfd: epfd, cfg: cfg, logger: logger, channels: make(map[int]*entry)}

	rFile, wFile, err := os.Pipe()
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: creating wake pipe: %w", err)
	}
	r.wakeR, r.wakeW = rFile, wFile
	if err := unix.SetNonblock(int(r.wakeR.Fd()), true); err != nil {
		return nil, fmt.Errorf("reactor: setting wake pipe non-blocking: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r.wakeR.Fd())}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(r.wakeR.Fd()), &ev); err != nil {
		return nil, fmt.Errorf("reactor: registering wake pipe: %w", err)
	}

	if cfg.SweepCron != "" && cfg.IdleTimeout > 0 {
		r.cron = cron.New()
		if _, err := r.cron.AddFunc(cfg.SweepCron, r.sweepIdle); err != nil {
			return nil, fmt.Errorf("reactor: parsing sweep schedule %q: %w", cfg.SweepCron, err)
		}
		r.cron.Start()
	}
	return r, nil
}

// PullTrigger wakes EpollWait immediately, used as the channel.Hooks
// callback a worker calls after queuing bytes so the reactor doesn't wait
// out the rest of its poll timeout before noticing new output.
func (r *Reactor) PullTrigger() {
	_, _ = r.wakeW.Write([]byte{0})
}

// RegisterConn wraps an accepted TCP connection in a Channel, puts the
// underlying fd in non-blocking mode, queries its send-buffer size once,
// and adds it to the epoll set.
func (r *Reactor) RegisterConn(conn *net.TCPConn, cfg channel.Config, taskFactory, errFactory channel.TaskFactory, addTask func(*channel.Channel)) (*channel.Channel, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("reactor: SyscallConn: %w", err)
	}

	var fd int
	var sendBufLen int
	ctrlErr := rawConn.Control(func(sysfd uintptr) {
		fd = int(sysfd)
		_ = unix.SetNonblock(fd, true)
		if v, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF); gerr == nil {
			sendBufLen = v
		}
	})
	if ctrlErr != nil {
		return nil, fmt.Errorf("reactor: configuring socket: %w", ctrlErr)
	}
	if sendBufLen <= 0 {
		sendBufLen = 16 * 1024
	}

	ch := channel.New(channel.Params{
		Addr:       conn.RemoteAddr(),
		SendBufLen: sendBufLen,
		Config:     cfg,
		Hooks: channel.Hooks{
			AddTask:     addTask,
			PullTrigger: r.PullTrigger,
			OnClosed:    func(*channel.Channel) { r.remove(fd) },
		},
		Recv:             recvFunc(fd),
		Send:             sendFunc(fd),
		Close:            conn.Close,
		TaskFactory:      taskFactory,
		ErrorTaskFactory: errFactory,
		Logger:           r.logger,
	})

	r.mu.Lock()
	r.channels[fd] = &entry{fd: fd, ch: ch, conn: conn}
	r.mu.Unlock()

	epEv := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &epEv); err != nil {
		r.mu.Lock()
		delete(r.channels, fd)
		r.mu.Unlock()
		return nil, fmt.Errorf("reactor: epoll_ctl add: %w", err)
	}
	return ch, nil
}

// ActiveChannels reports how many channels are currently registered with
// the epoll set, for periodic occupancy reporting.
func (r *Reactor) ActiveChannels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

func (r *Reactor) remove(fd int) {
	r.mu.Lock()
	delete(r.channels, fd)
	r.mu.Unlock()
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run drives the event loop until ctx is canceled.
func (r *Reactor) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 128)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.EpollWait(r.epfd, events, 1000)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == int(r.wakeR.Fd()) {
				drainPipe(r.wakeR)
				continue
			}

			r.mu.Lock()
			e, ok := r.channels[fd]
			r.mu.Unlock()
			if !ok {
				continue
			}

			if events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				e.ch.HandleClose()
				continue
			}
			if events[i].Events&unix.EPOLLIN != 0 && e.ch.Readable() {
				e.ch.HandleRead()
			}
			if e.ch.Writable() {
				e.ch.HandleWrite()
			}
		}
	}
}

// Shutdown cancels every active channel's pending work and tears the
// reactor itself down. Callers should stop accepting new connections first.
func (r *Reactor) Shutdown() {
	if r.cron != nil {
		r.cron.Stop()
	}

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.channels))
	for _, e := range r.channels {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.ch.Cancel()
		e.ch.HandleClose()
	}

	_ = unix.Close(r.epfd)
	_ = r.wakeR.Close()
	_ = r.wakeW.Close()
}

func (r *Reactor) sweepIdle() {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var stale []*entry
	for _, e := range r.channels {
		if e.ch.LastActivity().Before(cutoff) {
			stale = append(stale, e)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		r.logger.Info("closing idle connection", "remote_addr", e.ch.Addr())
		e.ch.HandleClose()
	}
}

func recvFunc(fd int) func([]byte) (int, error) {
	return func(buf []byte) (int, error) {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return 0, channel.ErrWouldBlock
			}
			return 0, err
		}
		if n == 0 {
			return 0, channel.ErrEOF
		}
		return n, nil
	}
}

func sendFunc(fd int) func([]byte) (int, error) {
	return func(p []byte) (int, error) {
		n, err := unix.Write(fd, p)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return 0, nil
			}
			return 0, err
		}
		return n, nil
	}
}

func drainPipe(f *os.File) {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(int(f.Fd()), buf)
		if n <= 0 || err != nil {
			return
		}
	}
}
