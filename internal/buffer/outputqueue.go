package buffer

// OutputQueue is the ordered sequence of response buffers sitting between a
// worker appending bytes via write_soon and the reactor draining them to the
// socket. The tail entry is always a writable Spillable; everything ahead of
// it is read-only from the writer's perspective and is popped, closed, and
// discarded as it drains empty.
type OutputQueue struct {
	overflow int64
	bufs     []Buffer

	currentTailWritten int64

	knownLen      int64
	hasUnseekable bool
	hasData       bool
}

// NewOutputQueue creates an OutputQueue whose Spillable tails overflow to
// disk past overflowThreshold bytes.
func NewOutputQueue(overflowThreshold int64) *OutputQueue {
	q := &OutputQueue{overflow: overflowThreshold}
	q.bufs = []Buffer{NewSpillable(overflowThreshold)}
	return q
}

// KnownLen is the sum of Remaining over every seekable buffer.
func (q *OutputQueue) KnownLen() int64 { return q.knownLen }

// HasUnseekable reports whether any buffer has Remaining == Unknown.
func (q *OutputQueue) HasUnseekable() bool { return q.hasUnseekable }

// HasData reports KnownLen() > 0 || HasUnseekable().
func (q *OutputQueue) HasData() bool { return q.hasData }

// CurrentTailWritten is the count of bytes appended to the present tail
// since the last rotation.
func (q *OutputQueue) CurrentTailWritten() int64 { return q.currentTailWritten }

func (q *OutputQueue) tail() Buffer { return q.bufs[len(q.bufs)-1] }

// rotate pushes a fresh writable Spillable as the new tail.
func (q *OutputQueue) rotate() {
	q.bufs = append(q.bufs, NewSpillable(q.overflow))
	q.currentTailWritten = 0
}

// AppendBytes appends data to the tail, rotating first if the tail has
// already accumulated more than watermark bytes since its last rotation.
func (q *OutputQueue) AppendBytes(data []byte, watermark int64) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if q.currentTailWritten > watermark {
		q.rotate()
	}
	if err := q.tail().Append(data); err != nil {
		return 0, err
	}
	q.currentTailWritten += int64(len(data))
	q.Rescan()
	return len(data), nil
}

// AppendFileStream pushes fs as its own buffer behind the current tail, then
// pushes a fresh Spillable as the new append target, resetting the
// tail-write counter. Used for wsgi.file_wrapper-style responses.
func (q *OutputQueue) AppendFileStream(fs *FileStream) {
	q.bufs = append(q.bufs, fs)
	q.rotate()
	q.Rescan()
}

// Drain sends queued bytes via sendFn (which must return the number of
// bytes it actually accepted, like net.Conn.Write but tolerant of short
// writes) until the queue catches up, sendFn reports 0 accepted, or an
// error occurs. It implements partial-write recovery: seekable heads are
// rolled back to the unsent position; unseekable heads have their unsent
// tail pushed back to the front as a fresh InMemory buffer so byte order is
// preserved across calls.
func (q *OutputQueue) Drain(sendFn func([]byte) (int, error), chunkSize int) (int64, error) {
	var sent int64
	for len(q.bufs) > 0 {
		head := q.bufs[0]
		if head.Remaining() == 0 {
			if len(q.bufs) == 1 {
				break // caught up: the sole buffer is the empty tail
			}
			q.bufs = q.bufs[1:]
			head.Close()
			continue
		}

		chunk, err := head.Read(chunkSize)
		if err != nil {
			q.Rescan()
			return sent, err
		}
		if len(chunk) == 0 {
			if head.Remaining() == 0 {
				continue // EOF just observed on this head: pop it above
			}
			break
		}

		nSent, sendErr := sendFn(chunk)
		if nSent > 0 {
			sent += int64(nSent)
		}
		if sendErr != nil {
			q.Rescan()
			return sent, sendErr
		}
		if nSent < len(chunk) {
			unsent := chunk[nSent:]
			if head.Seekable() {
				if err := head.Rollback(len(unsent)); err != nil {
					q.Rescan()
					return sent, err
				}
			} else {
				frontBuf := NewInMemory(append([]byte(nil), unsent...))
				rest := make([]Buffer, 0, len(q.bufs)+1)
				rest = append(rest, frontBuf)
				rest = append(rest, q.bufs...)
				q.bufs = rest
			}
		}
		if nSent == 0 {
			break
		}
	}
	q.Rescan()
	return sent, nil
}

// Rescan recomputes KnownLen/HasUnseekable/HasData from the current buffers.
func (q *OutputQueue) Rescan() {
	var known int64
	unseekable := false
	for _, b := range q.bufs {
		if b.Seekable() {
			known += b.Remaining()
		} else if b.Remaining() == Unknown {
			unseekable = true
		}
	}
	q.knownLen = known
	q.hasUnseekable = unseekable
	q.hasData = known > 0 || unseekable
}

// CloseAll pops and closes every buffer and resets statistics. The queue is
// left with no tail; callers tearing down a Channel do not need one again.
func (q *OutputQueue) CloseAll() {
	for _, b := range q.bufs {
		b.Close()
	}
	q.bufs = nil
	q.currentTailWritten = 0
	q.knownLen = 0
	q.hasUnseekable = false
	q.hasData = false
}
