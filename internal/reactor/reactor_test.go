//go:build linux

package reactor

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/waitress-go/httpcore/internal/channel"
	"github.com/waitress-go/httpcore/internal/task"
)

func TestReactor_ServesSimpleRequestEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	r, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Shutdown()

	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("hi"))
	})
	appFactory := task.NewAppTaskFactory(handler, task.Config{})
	errFactory := task.NewErrorTaskFactory()

	chCfg := channel.Config{
		OutbufOverflow:      8192,
		OutbufHighWatermark: 1 << 20,
		SendBytes:           1,
		RecvBytes:           4096,
	}

	addTask := func(ch *channel.Channel) { go ch.Service() }

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			tcpConn, ok := conn.(*net.TCPConn)
			if !ok {
				conn.Close()
				continue
			}
			if _, err := r.RegisterConn(tcpConn, chCfg, appFactory, errFactory, addTask); err != nil {
				t.Logf("RegisterConn: %v", err)
				conn.Close()
			}
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "hi" {
		t.Fatalf("body = %q, want %q", body, "hi")
	}
}
