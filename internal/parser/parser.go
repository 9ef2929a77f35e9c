// Package parser implements the HTTP/1.x request parser the channel layer
// consumes as an external collaborator (spec §6): Received(data) consumes a
// prefix of data and reports how the request is progressing. The channel
// core only depends on the Request type's exported fields and methods —
// nothing here is reactor- or worker-aware.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

// ErrRequestLineTooLong guards against an unbounded head accumulator when a
// peer never sends a terminating CRLF.
var ErrRequestLineTooLong = errors.New("parser: request head exceeds limit")

// MaxHeadSize bounds the request-line+headers accumulator.
const MaxHeadSize = 64 * 1024

type state int

const (
	stateHead state = iota
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkTrailer
	stateDone
)

// Request represents one in-progress (or completed) HTTP/1.x request. A
// fresh Request is fed bytes via Received until Completed is true.
type Request struct {
	Completed       bool
	Empty           bool
	Error           error
	ExpectContinue  bool
	HeadersFinished bool
	Version         string
	Method          string
	Path            string
	Query           string
	Headers         textproto.MIMEHeader
	Body            []byte

	state state

	headAcc []byte

	contentLength int64 // -1 means chunked/unknown
	bodyRead      int64

	chunkRemaining int64
	chunkAcc       []byte
}

// New returns a fresh, empty Request ready to receive bytes.
func New() *Request {
	return &Request{state: stateHead, contentLength: 0}
}

// Received feeds data into the parser and returns how many leading bytes of
// data it consumed. The caller must pass any unconsumed suffix to a new
// Request (this one is either Completed or in Error).
func (r *Request) Received(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if r.state == stateHead {
		return r.receiveHead(data)
	}
	return r.receiveBody(data)
}

func (r *Request) receiveHead(data []byte) (int, error) {
	beforeLen := len(r.headAcc)
	combined := append(r.headAcc, data...)

	idx := bytes.Index(combined, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(combined) > MaxHeadSize {
			r.Error = fmt.Errorf("%w: %d bytes", ErrRequestLineTooLong, len(combined))
			r.Completed = true
			return len(data), r.Error
		}
		r.headAcc = combined
		return len(data), nil
	}

	head := combined[:idx]
	bodyStart := idx + 4
	consumedForHead := bodyStart - beforeLen
	if consumedForHead < 0 {
		consumedForHead = 0
	}
	if consumedForHead > len(data) {
		consumedForHead = len(data)
	}
	r.headAcc = nil

	if err := r.parseHead(head); err != nil {
		r.Error = err
		r.Completed = true
		return consumedForHead, err
	}
	r.HeadersFinished = true

	if len(head) == 0 {
		// A bare blank line before any request: keep-alive idle filler.
		r.Empty = true
		r.Completed = true
		return consumedForHead, nil
	}

	remainderInCall := data[consumedForHead:]
	consumedBody, err := r.consumeBody(remainderInCall)
	return consumedForHead + consumedBody, err
}

func (r *Request) receiveBody(data []byte) (int, error) {
	return r.consumeBody(data)
}

// consumeBody advances the body/chunked state machine using up to
// len(available) bytes, returning how many it actually used.
func (r *Request) consumeBody(available []byte) (int, error) {
	if r.state == stateBody {
		return r.consumeFixedBody(available)
	}
	if r.contentLength < 0 {
		return r.consumeChunked(available)
	}
	return r.consumeFixedBody(available)
}

func (r *Request) consumeFixedBody(available []byte) (int, error) {
	r.state = stateBody
	need := r.contentLength - r.bodyRead
	if need < 0 {
		need = 0
	}
	take := int64(len(available))
	if take > need {
		take = need
	}
	if take > 0 {
		r.Body = append(r.Body, available[:take]...)
		r.bodyRead += take
	}
	if r.bodyRead >= r.contentLength {
		r.Completed = true
		r.state = stateDone
	}
	return int(take), nil
}

// consumeChunked implements RFC 7230 chunked transfer-encoding decoding
// across arbitrarily fragmented calls.
func (r *Request) consumeChunked(available []byte) (int, error) {
	if r.state == stateHead || r.state == stateBody {
		// Enter the chunk state machine even when the head arrived with no
		// body bytes, so the next call is not parsed as a new head.
		r.state = stateChunkSize
	}
	consumed := 0
	for consumed < len(available) {
		remain := available[consumed:]
		switch r.state {
		case stateBody, stateHead:
			r.state = stateChunkSize
		case stateChunkSize:
			idx := bytes.Index(remain, []byte("\r\n"))
			if idx < 0 {
				r.chunkAcc = append(r.chunkAcc, remain...)
				return consumed + len(remain), nil
			}
			line := append(r.chunkAcc, remain[:idx]...)
			r.chunkAcc = nil
			consumed += idx + 2
			sizeStr := string(line)
			if semi := strings.IndexByte(sizeStr, ';'); semi >= 0 {
				sizeStr = sizeStr[:semi]
			}
			sz, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
			if err != nil {
				return consumed, fmt.Errorf("parser: invalid chunk size %q: %w", sizeStr, err)
			}
			r.chunkRemaining = sz
			if sz == 0 {
				r.state = stateChunkTrailer
			} else {
				r.state = stateChunkData
			}
		case stateChunkData:
			take := int64(len(remain))
			if take > r.chunkRemaining {
				take = r.chunkRemaining
			}
			r.Body = append(r.Body, remain[:take]...)
			r.bodyRead += take
			r.chunkRemaining -= take
			consumed += int(take)
			if r.chunkRemaining == 0 {
				if len(remain) < int(take)+2 {
					// trailing CRLF after chunk data not fully arrived yet
					r.state = stateChunkData
					return consumed, nil
				}
				consumed += 2 // consume the chunk's trailing CRLF
				r.state = stateChunkSize
			}
		case stateChunkTrailer:
			idx := bytes.Index(remain, []byte("\r\n"))
			if idx < 0 {
				r.chunkAcc = append(r.chunkAcc, remain...)
				return consumed + len(remain), nil
			}
			consumed += idx + 2
			if idx == 0 {
				r.Completed = true
				r.state = stateDone
				return consumed, nil
			}
			// trailer header line: ignored (trailers not surfaced).
		case stateDone:
			return consumed, nil
		}
	}
	return consumed, nil
}

func (r *Request) parseHead(head []byte) error {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil
	}
	requestLine := strings.Fields(lines[0])
	if len(requestLine) != 3 {
		return fmt.Errorf("parser: malformed request line %q", lines[0])
	}
	r.Method = requestLine[0]
	pathAndQuery := requestLine[1]
	if q := strings.IndexByte(pathAndQuery, '?'); q >= 0 {
		r.Path = pathAndQuery[:q]
		r.Query = pathAndQuery[q+1:]
	} else {
		r.Path = pathAndQuery
	}
	proto := requestLine[2]
	switch proto {
	case "HTTP/1.0":
		r.Version = "1.0"
	case "HTTP/1.1":
		r.Version = "1.1"
	default:
		return fmt.Errorf("parser: unsupported protocol %q", proto)
	}

	r.Headers = make(textproto.MIMEHeader)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return fmt.Errorf("parser: malformed header line %q", line)
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:colon]))
		val := strings.TrimSpace(line[colon+1:])
		r.Headers.Add(key, val)
	}

	if te := r.Headers.Get("Transfer-Encoding"); strings.EqualFold(te, "chunked") {
		r.contentLength = -1
	} else if cl := r.Headers.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("parser: invalid Content-Length %q", cl)
		}
		r.contentLength = n
	} else {
		r.contentLength = 0
	}

	if r.Version == "1.1" && strings.EqualFold(r.Headers.Get("Expect"), "100-continue") {
		r.ExpectContinue = true
	}
	return nil
}

// Close releases any resources the request holds (none for the in-memory
// implementation, but kept so swapped-in parsers that spool bodies to disk
// have somewhere to release them).
func (r *Request) Close() error {
	r.Body = nil
	return nil
}
