package task

import (
	"bytes"
	"fmt"

	"github.com/waitress-go/httpcore/internal/channel"
	"github.com/waitress-go/httpcore/internal/parser"
)

// ErrorTask renders the synthetic 500 channel.Service builds when an
// AppTask fails before writing a header. It never calls into the
// application handler again, so a second failure here simply propagates.
type ErrorTask struct {
	ch  *channel.Channel
	req *parser.Request

	wroteHeader bool
}

// NewErrorTaskFactory returns a channel.TaskFactory producing ErrorTasks.
func NewErrorTaskFactory() channel.TaskFactory {
	return func(ch *channel.Channel, req *parser.Request) channel.Task {
		return &ErrorTask{ch: ch, req: req}
	}
}

func (t *ErrorTask) WroteHeader() bool { return t.wroteHeader }

// CloseOnFinish mirrors AppTask's version/Connection-header based decision.
func (t *ErrorTask) CloseOnFinish() bool {
	var conn string
	if t.req.Headers != nil {
		conn = t.req.Headers.Get("Connection")
	}
	return closeOnFinish(t.req.Version, conn)
}

func (t *ErrorTask) Service() error {
	body := "The server encountered an unexpected internal error."
	if ise, ok := t.req.Error.(*channel.InternalServerError); ok && ise.Body != "" {
		body = ise.Body
	} else if t.req.Error != nil {
		body = t.req.Error.Error()
	}

	version := t.req.Version
	if version == "" {
		version = "1.1"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/%s 500 Internal Server Error\r\n", version)
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	if t.req.Headers != nil {
		if conn := t.req.Headers.Get("Connection"); conn != "" {
			fmt.Fprintf(&buf, "Connection: %s\r\n", conn)
		}
	}
	buf.WriteString("\r\n")
	buf.WriteString(body)

	t.wroteHeader = true
	_, err := t.ch.WriteSoon(buf.Bytes())
	return err
}
