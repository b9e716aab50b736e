package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildKey(t *testing.T) {
	t.Run("no range stays readable", func(t *testing.T) {
		assert.Equal(t, "vod/videos/a.mp4", BuildKey("vod", "videos/a.mp4", ""))
	})

	t.Run("range adds hashed suffix", func(t *testing.T) {
		key := BuildKey("vod", "videos/a.mp4", "bytes=0-1023")
		assert.True(t, strings.HasPrefix(key, "vod/videos/a.mp4#"))
		assert.NotEqual(t, BuildKey("vod", "videos/a.mp4", ""), key)
	})

	t.Run("distinct ranges produce distinct keys", func(t *testing.T) {
		a := BuildKey("vod", "a.mp4", "bytes=0-1023")
		b := BuildKey("vod", "a.mp4", "bytes=1024-2047")
		assert.NotEqual(t, a, b)
	})

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t,
			BuildKey("vod", "a.mp4", "bytes=0-1023"),
			BuildKey("vod", "a.mp4", "bytes=0-1023"))
	})
}
