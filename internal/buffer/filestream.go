package buffer

import (
	"io"
)

// DefaultBlockSize is the chunk size Iterate yields when no caller-specific
// size applies, matching the block size a wsgi.file_wrapper read-only buffer
// historically defaulted to.
const DefaultBlockSize = 32768

// FileStream is a read-only buffer wrapping a caller-supplied byte source
// (for example the body of an os.File serving a static asset, or an
// io.Reader streaming an object from remote storage). Append always fails.
type FileStream struct {
	r io.Reader

	prepared  bool
	seekable  bool
	remaining int64 // Unknown (-1) until prepare resolves it, for unseekable sources

	eof bool
}

// fileSize attempts to resolve the reader's length and current offset via
// Seek(0, io.SeekCurrent) / Seek(0, io.SeekEnd), restoring the original
// position. Returns ok=false if the reader does not support seeking.
func fileSize(r io.Reader) (length, pos int64, ok bool) {
	seeker, isSeeker := r.(io.Seeker)
	if !isSeeker {
		return 0, 0, false
	}
	cur, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, 0, false
	}
	end, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, false
	}
	if _, err := seeker.Seek(cur, io.SeekStart); err != nil {
		return 0, 0, false
	}
	return end, cur, true
}

// NewFileStream wraps r. Call Prepare before using it so Remaining and
// Seekable reflect the source.
func NewFileStream(r io.Reader) *FileStream {
	return &FileStream{r: r, remaining: Unknown}
}

// Prepare establishes seekability and the initial Remaining count. If max
// is non-negative, the residual is capped at max bytes. Returns the
// resolved Remaining (possibly Unknown).
func (b *FileStream) Prepare(max int64) int64 {
	length, pos, ok := fileSize(b.r)
	if !ok {
		b.seekable = false
		b.remaining = Unknown
		b.prepared = true
		return Unknown
	}
	residual := length - pos
	if max >= 0 && max < residual {
		residual = max
	}
	b.seekable = true
	b.remaining = residual
	b.prepared = true
	return residual
}

func (b *FileStream) Append(p []byte) error {
	return ErrNotWritable
}

func (b *FileStream) Read(n int) ([]byte, error) {
	if !b.prepared {
		b.Prepare(-1)
	}
	if b.remaining == 0 {
		return nil, nil
	}

	readLen := n
	if b.seekable {
		if b.remaining >= 0 && (readLen < 0 || int64(readLen) > b.remaining) {
			readLen = int(b.remaining)
		}
	} else if readLen < 0 {
		readLen = DefaultBlockSize
	}
	if readLen <= 0 {
		return nil, nil
	}

	buf := make([]byte, readLen)
	got, err := io.ReadFull(b.r, buf)
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	buf = buf[:got]

	if b.seekable {
		b.remaining -= int64(got)
	} else if got == 0 {
		b.remaining = 0
		b.eof = true
	}
	if err == io.EOF {
		if b.seekable {
			b.remaining = 0
		} else {
			b.remaining = 0
			b.eof = true
		}
		err = nil
	}
	return buf, err
}

func (b *FileStream) Rollback(n int) error {
	if !b.seekable {
		return ErrNotSeekable
	}
	if n <= 0 {
		return nil
	}
	seeker := b.r.(io.Seeker)
	if _, err := seeker.Seek(-int64(n), io.SeekCurrent); err != nil {
		return err
	}
	b.remaining += int64(n)
	return nil
}

func (b *FileStream) Close() error {
	b.remaining = 0
	if closer, ok := b.r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (b *FileStream) Remaining() int64 {
	if !b.prepared {
		b.Prepare(-1)
	}
	return b.remaining
}

func (b *FileStream) Seekable() bool {
	if !b.prepared {
		b.Prepare(-1)
	}
	return b.seekable
}

func (b *FileStream) HasData() bool {
	return b.Remaining() != 0
}

// Iterate yields successive DefaultBlockSize-ish chunks until the stream is
// exhausted. The range-over-func form lets callers `for chunk := range
// b.Iterate() { ... }`; read errors abort iteration silently — callers that
// need the error should drive Read directly instead.
func (b *FileStream) Iterate() func(yield func([]byte) bool) {
	return func(yield func([]byte) bool) {
		for {
			chunk, err := b.Read(DefaultBlockSize)
			if err != nil || len(chunk) == 0 {
				return
			}
			if !yield(chunk) {
				return
			}
		}
	}
}
