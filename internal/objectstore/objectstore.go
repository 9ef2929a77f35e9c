// Package objectstore wraps an S3-compatible bucket as a source of
// buffer.FileStream bodies, giving the channel's unseekable-streaming path a
// real external byte source instead of only local files. Objects whose key
// ends in ".gz" are transparently decompressed with pgzip as they stream.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/pgzip"

	"github.com/waitress-go/httpcore/internal/buffer"
)

// Config configures the S3 client. Endpoint is only set for S3-compatible
// backends (MinIO, etc); left empty it uses AWS's default resolver.
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	AccessKeyID  string
	SecretKey    string
}

// s3Client is the subset of *s3.Client's surface Store needs, narrowed so
// tests can supply a fake without standing up a real S3 endpoint.
type s3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store fetches objects from one bucket and exposes them as FileStreams.
type Store struct {
	client s3Client
	bucket string
}

// New builds a Store from cfg, resolving AWS credentials the standard way
// (env vars, shared config, IAM role) unless AccessKeyID/SecretKey override
// them explicitly.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// newWithClient builds a Store around an already-constructed client,
// bypassing credential/endpoint resolution. Used by tests.
func newWithClient(client s3Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Open fetches key's body and wraps it in a buffer.FileStream. Keys ending
// in ".gz" are decompressed on the fly via pgzip; the resulting stream's
// length is then unknown regardless of the object's reported Content-Length,
// since decompression changes the byte count.
func (s *Store) Open(ctx context.Context, key string) (*buffer.FileStream, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: getting object %q: %w", key, err)
	}

	if !strings.HasSuffix(key, ".gz") {
		// out.Body is an http response body, never an io.Seeker, so this
		// always resolves as an unseekable, size-unknown-until-EOF stream
		// regardless of the Content-Length S3 reported.
		fs := buffer.NewFileStream(out.Body)
		fs.Prepare(-1)
		return fs, nil
	}

	gr, err := pgzip.NewReader(out.Body)
	if err != nil {
		out.Body.Close()
		return nil, fmt.Errorf("objectstore: opening gzip reader for %q: %w", key, err)
	}
	fs := buffer.NewFileStream(&gzipStreamCloser{gr: gr, body: out.Body})
	fs.Prepare(-1)
	return fs, nil
}

// gzipStreamCloser closes both the pgzip reader and the underlying S3 body
// when the FileStream is done with it.
type gzipStreamCloser struct {
	gr   *pgzip.Reader
	body io.ReadCloser
}

func (c *gzipStreamCloser) Read(p []byte) (int, error) { return c.gr.Read(p) }

func (c *gzipStreamCloser) Close() error {
	c.gr.Close()
	return c.body.Close()
}
