package buffer

import (
	"bytes"
	"io"
	"os"
	"testing"
)

// seekableCases exercises the shared read/rollback/close contract against
// both InMemory and Spillable (kept below its overflow threshold), mirroring
// waitress's FileBasedBufferTests suite.
func seekableCases(t *testing.T, name string, newBuf func(data []byte) Buffer) {
	t.Run(name+"/read_zero", func(t *testing.T) {
		b := newBuf([]byte("data"))
		got, err := b.Read(0)
		if err != nil || len(got) != 0 {
			t.Fatalf("Read(0) = %q, %v", got, err)
		}
		if b.Remaining() != 4 {
			t.Fatalf("remaining = %d, want 4", b.Remaining())
		}
	})

	t.Run(name+"/read_not_enough", func(t *testing.T) {
		b := newBuf([]byte("data"))
		got, _ := b.Read(3)
		if string(got) != "dat" || b.Remaining() != 1 {
			t.Fatalf("got %q remaining %d", got, b.Remaining())
		}
	})

	t.Run(name+"/read_exact", func(t *testing.T) {
		b := newBuf([]byte("data"))
		got, _ := b.Read(4)
		if string(got) != "data" || b.Remaining() != 0 {
			t.Fatalf("got %q remaining %d", got, b.Remaining())
		}
	})

	t.Run(name+"/read_too_much", func(t *testing.T) {
		b := newBuf([]byte("data"))
		got, _ := b.Read(100)
		if string(got) != "data" || b.Remaining() != 0 {
			t.Fatalf("got %q remaining %d", got, b.Remaining())
		}
	})

	t.Run(name+"/read_all_negative", func(t *testing.T) {
		b := newBuf([]byte("data"))
		got, _ := b.Read(-1)
		if string(got) != "data" || b.Remaining() != 0 {
			t.Fatalf("got %q remaining %d", got, b.Remaining())
		}
	})

	t.Run(name+"/rollback_round_trip", func(t *testing.T) {
		b := newBuf([]byte("data"))
		first, _ := b.Read(3)
		if b.Remaining() != 1 {
			t.Fatalf("remaining after partial read = %d", b.Remaining())
		}
		if err := b.Rollback(len(first)); err != nil {
			t.Fatalf("Rollback: %v", err)
		}
		if b.Remaining() != 4 {
			t.Fatalf("remaining after rollback = %d, want 4", b.Remaining())
		}
		second, _ := b.Read(-1)
		if !bytes.Equal(first, second[:len(first)]) {
			t.Fatalf("rollback/read did not reproduce bytes: %q vs %q", first, second)
		}
		if b.Remaining() != 0 {
			t.Fatalf("remaining after full re-read = %d", b.Remaining())
		}
	})

	t.Run(name+"/append_extends", func(t *testing.T) {
		b := newBuf([]byte("data"))
		if err := b.Append([]byte("data2")); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if b.Remaining() != 9 {
			t.Fatalf("remaining = %d, want 9", b.Remaining())
		}
		got, _ := b.Read(-1)
		if string(got) != "datadata2" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run(name+"/close_zeroes_remaining", func(t *testing.T) {
		b := newBuf(nil)
		if err := b.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if b.Remaining() != 0 {
			t.Fatalf("remaining after close = %d, want 0", b.Remaining())
		}
	})
}

func TestInMemory(t *testing.T) {
	seekableCases(t, "InMemory", func(data []byte) Buffer {
		return NewInMemory(data)
	})
}

func TestSpillable_BelowThreshold(t *testing.T) {
	seekableCases(t, "Spillable", func(data []byte) Buffer {
		b := NewSpillable(DefaultOverflow)
		if len(data) > 0 {
			_ = b.Append(data)
		}
		return b
	})
}

func TestSpillable_MigratesPastThreshold(t *testing.T) {
	b := NewSpillable(10)
	if err := b.Append(bytes.Repeat([]byte("x"), 8)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if b.Overflowed() {
		t.Fatal("overflowed before crossing threshold")
	}
	if err := b.Append([]byte("yyy")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !b.Overflowed() {
		t.Fatal("expected migration to disk once threshold exceeded")
	}
	if b.Remaining() != 11 {
		t.Fatalf("remaining = %d, want 11", b.Remaining())
	}
	got, err := b.Read(-1)
	if err != nil || string(got) != "xxxxxxxxyyy" {
		t.Fatalf("got %q, %v", got, err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSpillable_AppendAfterOverflowGoesToDisk(t *testing.T) {
	b := NewSpillable(4)
	_ = b.Append([]byte("abcdef")) // already over threshold
	if !b.Overflowed() {
		t.Fatal("expected overflow on first append")
	}
	_ = b.Append([]byte("gh"))
	got, _ := b.Read(-1)
	if string(got) != "abcdefgh" {
		t.Fatalf("got %q", got)
	}
}

func TestFileStream_SeekableResolvesLength(t *testing.T) {
	f := newTempFileWithContent(t, "hello world")
	fs := NewFileStream(f)
	if got := fs.Prepare(-1); got != 11 {
		t.Fatalf("Prepare = %d, want 11", got)
	}
	if !fs.Seekable() {
		t.Fatal("expected seekable")
	}
	got, err := fs.Read(5)
	if err != nil || string(got) != "hello" {
		t.Fatalf("Read(5) = %q, %v", got, err)
	}
	if fs.Remaining() != 6 {
		t.Fatalf("remaining = %d, want 6", fs.Remaining())
	}
	if err := fs.Rollback(5); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if fs.Remaining() != 11 {
		t.Fatalf("remaining after rollback = %d, want 11", fs.Remaining())
	}
}

func TestFileStream_PrepareMaxCaps(t *testing.T) {
	f := newTempFileWithContent(t, "abcdefghij")
	fs := NewFileStream(f)
	if got := fs.Prepare(3); got != 3 {
		t.Fatalf("Prepare(3) = %d, want 3", got)
	}
}

// unseekableReader never implements io.Seeker.
type unseekableReader struct {
	r io.Reader
}

func (u *unseekableReader) Read(p []byte) (int, error) { return u.r.Read(p) }

func TestFileStream_UnseekableLatchesAtEOF(t *testing.T) {
	fs := NewFileStream(&unseekableReader{r: bytes.NewReader([]byte("abcdef"))})
	if fs.Seekable() {
		t.Fatal("expected unseekable")
	}
	if fs.Remaining() != Unknown {
		t.Fatalf("remaining = %d, want Unknown", fs.Remaining())
	}

	first, err := fs.Read(-1)
	if err != nil || string(first) != "abcdef" {
		t.Fatalf("Read = %q, %v", first, err)
	}
	if fs.Remaining() != Unknown {
		t.Fatalf("remaining after first read = %d, want still Unknown until empty read observed", fs.Remaining())
	}

	second, err := fs.Read(-1)
	if err != nil || len(second) != 0 {
		t.Fatalf("expected empty read at EOF, got %q, %v", second, err)
	}
	if fs.Remaining() != 0 {
		t.Fatalf("remaining after EOF = %d, want 0", fs.Remaining())
	}

	third, err := fs.Read(-1)
	if err != nil || len(third) != 0 {
		t.Fatalf("expected to never yield bytes again, got %q, %v", third, err)
	}
}

func TestFileStream_AppendNotWritable(t *testing.T) {
	fs := NewFileStream(bytes.NewReader(nil))
	if err := fs.Append([]byte("x")); err != ErrNotWritable {
		t.Fatalf("Append error = %v, want ErrNotWritable", err)
	}
}

func newTempFileWithContent(t *testing.T, content string) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "filestream-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}
