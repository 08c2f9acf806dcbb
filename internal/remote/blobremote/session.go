// Package blobremote implements downloader sessions over object storage.
//
// Each session opens its own bucket handle, so every credential gets an
// independent client and connection pool. Handles are object keys.
package blobremote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"swarm-dl/internal/downloader"
)

// Options configures a Dialer.
type Options struct {
	// BucketURL is a gocloud.dev bucket URL such as "s3://bucket?region=x",
	// "file:///data" or "mem://".
	BucketURL string

	// TokenParam, when set, is added to the bucket URL query with the
	// credential token as its value.
	TokenParam string

	// Cooldown is reported to the engine when the store throttles without
	// saying for how long. Zero leaves the choice to the RetryPolicy.
	Cooldown time.Duration

	// MaxChunkSize caps a single range read. Zero means unlimited.
	MaxChunkSize int64

	// Open overrides how buckets are opened. Tests use it to share one
	// in-memory bucket between sessions.
	Open func(ctx context.Context, urlstr string) (*blob.Bucket, error)

	Logger *slog.Logger
}

// Dialer opens one bucket per credential.
type Dialer struct {
	opts Options
}

// NewDialer returns a Dialer for opts.BucketURL.
func NewDialer(opts Options) *Dialer {
	if opts.Open == nil {
		opts.Open = blob.OpenBucket
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dialer{opts: opts}
}

// Dial opens the bucket for cred.
func (d *Dialer) Dial(ctx context.Context, cred downloader.Credential) (downloader.Session, error) {
	urlstr, err := d.bucketURL(cred)
	if err != nil {
		return nil, err
	}
	bucket, err := d.opts.Open(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	return &Session{
		bucket: bucket,
		opts:   d.opts,
		logger: d.opts.Logger.With("component", "blobremote", "credential", cred.ID),
	}, nil
}

func (d *Dialer) bucketURL(cred downloader.Credential) (string, error) {
	if d.opts.TokenParam == "" || cred.Token == "" {
		return d.opts.BucketURL, nil
	}
	u, err := url.Parse(d.opts.BucketURL)
	if err != nil {
		return "", fmt.Errorf("parse bucket url: %w", err)
	}
	q := u.Query()
	q.Set(d.opts.TokenParam, cred.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Session reads ranges from one bucket handle.
type Session struct {
	bucket *blob.Bucket
	opts   Options
	logger *slog.Logger
}

// MaxChunkSize implements downloader.ChunkLimiter.
func (s *Session) MaxChunkSize() int64 {
	return s.opts.MaxChunkSize
}

// Stat returns the object size.
func (s *Session) Stat(ctx context.Context, h downloader.Handle) (int64, error) {
	attrs, err := s.bucket.Attributes(ctx, string(h))
	if err != nil {
		return 0, s.classify(ctx, err)
	}
	return attrs.Size, nil
}

// Fetch reads [offset, offset+length) of the object.
func (s *Session) Fetch(ctx context.Context, h downloader.Handle, offset, length int64) ([]byte, error) {
	r, err := s.bucket.NewRangeReader(ctx, string(h), offset, length, nil)
	if err != nil {
		return nil, s.classify(ctx, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, s.classify(ctx, err)
	}
	return data, nil
}

// Close closes the bucket handle.
func (s *Session) Close() error {
	return s.bucket.Close()
}

func (s *Session) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch gcerrors.Code(err) {
	case gcerrors.NotFound, gcerrors.PermissionDenied, gcerrors.InvalidArgument, gcerrors.FailedPrecondition:
		return downloader.Fatal(err)
	case gcerrors.ResourceExhausted:
		return &downloader.RateLimitError{Wait: s.opts.Cooldown, Err: err}
	default:
		return downloader.Transient(err)
	}
}
