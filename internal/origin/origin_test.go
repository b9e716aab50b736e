package origin

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"no such key", ErrNoSuchKey, "no_such_key"},
		{"wrapped no such key", fmt.Errorf("%w: GetObject", ErrNoSuchKey), "no_such_key"},
		{"no such bucket", fmt.Errorf("%w: head", ErrNoSuchBucket), "no_such_bucket"},
		{"access denied", fmt.Errorf("%w: GetObject", ErrAccessDenied), "access_denied"},
		{"transport error", errors.New("connection refused"), "unclassified"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKind(tt.err))
		})
	}
}

func TestDefaultS3Config(t *testing.T) {
	cfg := DefaultS3Config()
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.True(t, cfg.ForcePathStyle)
	assert.Positive(t, cfg.RequestTimeout)
}
