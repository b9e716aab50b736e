// Package origin provides the client for the upstream S3-compatible
// object store holding the VOD assets.
package origin

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors exposing the origin's error discriminator. Callers use
// errors.Is to map them onto HTTP statuses.
var (
	ErrNoSuchKey    = errors.New("origin: no such key")
	ErrNoSuchBucket = errors.New("origin: no such bucket")
	ErrAccessDenied = errors.New("origin: access denied")
)

// Object is the result of a GetObject or HeadObject call. HeadObject
// leaves Body nil. A negative ContentLength means the origin did not
// advertise one.
type Object struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	ETag          string
	LastModified  time.Time
	ContentRange  string
	AcceptRanges  string
}

// Client is the origin contract used by the fetch pipeline.
type Client interface {
	// GetObject streams an object; byteRange is passed through verbatim
	// when non-empty (e.g. "bytes=0-1023").
	GetObject(ctx context.Context, bucket, key, byteRange string) (*Object, error)

	// HeadObject returns the object's metadata without a body.
	HeadObject(ctx context.Context, bucket, key string) (*Object, error)
}

// ErrorKind classifies an origin error for metrics and status mapping.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrNoSuchKey):
		return "no_such_key"
	case errors.Is(err, ErrNoSuchBucket):
		return "no_such_bucket"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	default:
		return "unclassified"
	}
}
