package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/pgzip"
)

type fakeS3Client struct {
	objects map[string][]byte
}

func (f *fakeS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)
	body, ok := f.objects[key]
	if !ok {
		return nil, &notFoundError{key: key}
	}
	length := int64(len(body))
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: &length,
	}, nil
}

type notFoundError struct{ key string }

func (e *notFoundError) Error() string { return "no such key: " + e.key }

func gzipBytes(t *testing.T, plain []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := pgzip.NewWriter(&buf)
	if _, err := gw.Write(plain); err != nil {
		t.Fatalf("writing gzip data: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("closing gzip writer: %v", err)
	}
	return buf.Bytes()
}

func TestStore_Open_PlainObject(t *testing.T) {
	client := &fakeS3Client{objects: map[string][]byte{
		"file.txt": []byte("hello object store"),
	}}
	store := newWithClient(client, "my-bucket")

	fs, err := store.Open(context.Background(), "file.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fs.Close()

	got, err := fs.Read(-1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello object store" {
		t.Errorf("body = %q, want %q", got, "hello object store")
	}
	if fs.Seekable() {
		t.Error("expected an S3 response body stream to report unseekable")
	}
}

func TestStore_Open_GzipObject(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog")
	client := &fakeS3Client{objects: map[string][]byte{
		"file.txt.gz": gzipBytes(t, plain),
	}}
	store := newWithClient(client, "my-bucket")

	fs, err := store.Open(context.Background(), "file.txt.gz")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fs.Close()

	var got []byte
	for {
		chunk, err := fs.Read(-1)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if len(chunk) == 0 {
			break
		}
		got = append(got, chunk...)
	}
	if string(got) != string(plain) {
		t.Errorf("decompressed body = %q, want %q", got, plain)
	}
}

func TestStore_Open_MissingKey(t *testing.T) {
	client := &fakeS3Client{objects: map[string][]byte{}}
	store := newWithClient(client, "my-bucket")

	if _, err := store.Open(context.Background(), "missing.txt"); err == nil {
		t.Fatal("Open: want error for missing key, got nil")
	}
}
