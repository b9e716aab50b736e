package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/clipstream/vodedge/internal/cache"
	"github.com/clipstream/vodedge/internal/origin"
)

// fakeOrigin is a scriptable origin.Client recording call counts.
type fakeOrigin struct {
	getFn  func(ctx context.Context, bucket, key, byteRange string) (*origin.Object, error)
	headFn func(ctx context.Context, bucket, key string) (*origin.Object, error)

	gets  atomic.Int64
	heads atomic.Int64

	lastBucket string
	lastKey    string
	lastRange  string
}

func (f *fakeOrigin) GetObject(ctx context.Context, bucket, key, byteRange string) (*origin.Object, error) {
	f.gets.Add(1)
	f.lastBucket, f.lastKey, f.lastRange = bucket, key, byteRange
	if f.getFn == nil {
		return nil, origin.ErrNoSuchKey
	}
	return f.getFn(ctx, bucket, key, byteRange)
}

func (f *fakeOrigin) HeadObject(ctx context.Context, bucket, key string) (*origin.Object, error) {
	f.heads.Add(1)
	f.lastBucket, f.lastKey = bucket, key
	if f.headFn == nil {
		return nil, origin.ErrNoSuchKey
	}
	return f.headFn(ctx, bucket, key)
}

func staticObject(body []byte, contentType string) func(context.Context, string, string, string) (*origin.Object, error) {
	return func(context.Context, string, string, string) (*origin.Object, error) {
		return &origin.Object{
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentType:   contentType,
			ContentLength: int64(len(body)),
			ETag:          `"etag-static"`,
			LastModified:  time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
			AcceptRanges:  "bytes",
		}, nil
	}
}

type testEnv struct {
	mux     *http.ServeMux
	origin  *fakeOrigin
	manager *cache.Manager
}

func newTestEnv(t *testing.T, fo *fakeOrigin, opts Options) *testEnv {
	t.Helper()

	if opts.DefaultBucket == "" {
		opts.DefaultBucket = "vod"
	}
	if opts.CDNBasePath == "" {
		opts.CDNBasePath = "/cdn"
	}
	if opts.ProxyBasePath == "" {
		opts.ProxyBasePath = "/proxy"
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := cache.NewManager(cache.DefaultConfig(), logger)
	require.NoError(t, mgr.Init(context.Background()))
	t.Cleanup(func() { _ = mgr.Close() })

	capMgr := cache.NewCapacityManager(mgr, cache.DefaultCapacityConfig(), logger)
	h := NewHandler(opts, mgr, capMgr, fo, logger, otel.Tracer("test"))

	mux := http.NewServeMux()
	h.Register(mux)
	return &testEnv{mux: mux, origin: fo, manager: mgr}
}

func (e *testEnv) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func TestColdFetchThenCacheHit(t *testing.T) {
	body := bytes.Repeat([]byte{0xAB}, 4096)
	fo := &fakeOrigin{getFn: staticObject(body, "video/mp4")}
	env := newTestEnv(t, fo, Options{})

	rec := env.do(http.MethodGet, "/cdn/videos/a.mp4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "4096", rec.Header().Get("Content-Length"))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, `"etag-static"`, rec.Header().Get("ETag"))
	assert.Equal(t, body, rec.Body.Bytes())

	assert.Equal(t, "videos", fo.lastBucket)
	assert.Equal(t, "a.mp4", fo.lastKey)
	require.True(t, env.manager.Exists(context.Background(), cache.BuildKey("videos", "a.mp4", "")))

	// Repeat request must be a hit and never touch the origin again.
	rec = env.do(http.MethodGet, "/cdn/videos/a.mp4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, body, rec.Body.Bytes())
	assert.Equal(t, int64(1), fo.gets.Load())
}

func TestRangeRequestNeverCached(t *testing.T) {
	part := bytes.Repeat([]byte{0x01}, 1024)
	fo := &fakeOrigin{
		getFn: func(context.Context, string, string, string) (*origin.Object, error) {
			return &origin.Object{
				Body:          io.NopCloser(bytes.NewReader(part)),
				ContentType:   "video/mp4",
				ContentLength: int64(len(part)),
				ContentRange:  "bytes 0-1023/4194304",
				AcceptRanges:  "bytes",
			}, nil
		},
	}
	env := newTestEnv(t, fo, Options{})

	hdr := http.Header{"Range": []string{"bytes=0-1023"}}
	rec := env.do(http.MethodGet, "/cdn/videos/a.mp4", hdr)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 0-1023/4194304", rec.Header().Get("Content-Range"))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, part, rec.Body.Bytes())
	assert.Equal(t, "bytes=0-1023", fo.lastRange)

	rangeKey := cache.BuildKey("videos", "a.mp4", "bytes=0-1023")
	assert.False(t, env.manager.Exists(context.Background(), rangeKey))

	// A repeat ranged request goes to the origin again.
	env.do(http.MethodGet, "/cdn/videos/a.mp4", hdr)
	assert.Equal(t, int64(2), fo.gets.Load())
}

func TestPlaylistRewriteAndCache(t *testing.T) {
	playlist := strings.Join([]string{
		"#EXTM3U",
		`#EXT-X-KEY:METHOD=AES-128,URI="key.php?id=1"`,
		"seg0.ts",
		"https://other.example/seg1.ts",
	}, "\n")
	fo := &fakeOrigin{getFn: staticObject([]byte(playlist), "application/vnd.apple.mpegurl")}
	env := newTestEnv(t, fo, Options{})

	rec := env.do(http.MethodGet, "/cdn/v/index.m3u8", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := rec.Body.String()
	assert.Contains(t, got, `URI="/cdn/v/key.php?id=1"`)
	assert.Contains(t, got, "/cdn/v/seg0.ts")
	assert.Contains(t, got, "/proxy/fetch?url=https%3A%2F%2Fother.example%2Fseg1.ts")
	assert.NotContains(t, got, "https://other.example/seg1.ts")
	assert.Equal(t, fmt.Sprint(len(got)), rec.Header().Get("Content-Length"))

	// The rewritten playlist is under the cache ceiling, so the repeat
	// request is a hit with identical bytes.
	rec = env.do(http.MethodGet, "/cdn/v/index.m3u8", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, got, rec.Body.String())
	assert.Equal(t, int64(1), fo.gets.Load())
}

func TestOctetStreamContentTypeInference(t *testing.T) {
	fo := &fakeOrigin{getFn: staticObject(tsPacketBytes(3), "application/octet-stream")}
	env := newTestEnv(t, fo, Options{})

	rec := env.do(http.MethodGet, "/cdn/v/seg0.ts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
}

func TestCacheableSizeBoundary(t *testing.T) {
	const limit = 2048

	t.Run("object at the limit is cached", func(t *testing.T) {
		fo := &fakeOrigin{getFn: staticObject(make([]byte, limit), "video/mp4")}
		env := newTestEnv(t, fo, Options{MaxCacheableBytes: limit})

		env.do(http.MethodGet, "/cdn/videos/exact.mp4", nil)
		rec := env.do(http.MethodGet, "/cdn/videos/exact.mp4", nil)
		assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
		assert.Equal(t, int64(1), fo.gets.Load())
	})

	t.Run("object above the limit is not cached", func(t *testing.T) {
		fo := &fakeOrigin{getFn: staticObject(make([]byte, limit+1), "video/mp4")}
		env := newTestEnv(t, fo, Options{MaxCacheableBytes: limit})

		env.do(http.MethodGet, "/cdn/videos/over.mp4", nil)
		rec := env.do(http.MethodGet, "/cdn/videos/over.mp4", nil)
		assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
		assert.Equal(t, int64(2), fo.gets.Load())
	})
}

func TestAdvertisedLengthOverflowNotCached(t *testing.T) {
	// The origin advertises a cacheable length but streams more; the
	// fill buffer is dropped while the response keeps streaming.
	body := bytes.Repeat([]byte{0x5A}, 4096)
	fo := &fakeOrigin{
		getFn: func(context.Context, string, string, string) (*origin.Object, error) {
			return &origin.Object{
				Body:          io.NopCloser(bytes.NewReader(body)),
				ContentType:   "video/mp4",
				ContentLength: 1024,
			}, nil
		},
	}
	env := newTestEnv(t, fo, Options{MaxCacheableBytes: 2048})

	rec := env.do(http.MethodGet, "/cdn/videos/liar.mp4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, rec.Body.Bytes())
	assert.False(t, env.manager.Exists(context.Background(), cache.BuildKey("videos", "liar.mp4", "")))
}

// droppingWriter fails writes past limit, like a client that went away
// mid-stream.
type droppingWriter struct {
	hdr     http.Header
	code    int
	written int
	limit   int
}

func (d *droppingWriter) Header() http.Header { return d.hdr }

func (d *droppingWriter) WriteHeader(code int) { d.code = code }

func (d *droppingWriter) Write(p []byte) (int, error) {
	if d.written+len(p) > d.limit {
		return 0, fmt.Errorf("client went away")
	}
	d.written += len(p)
	return len(p), nil
}

func TestClientDisconnectSkipsCacheFill(t *testing.T) {
	body := bytes.Repeat([]byte{0x33}, 8192)
	fo := &fakeOrigin{getFn: staticObject(body, "video/mp4")}
	env := newTestEnv(t, fo, Options{})

	req := httptest.NewRequest(http.MethodGet, "/cdn/videos/dropped.mp4", nil)
	w := &droppingWriter{hdr: make(http.Header), limit: 1024}
	env.mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.code)
	assert.False(t, env.manager.Exists(context.Background(), cache.BuildKey("videos", "dropped.mp4", "")))
}

func TestDefaultBucketParsing(t *testing.T) {
	fo := &fakeOrigin{getFn: staticObject([]byte("x"), "video/mp4")}
	env := newTestEnv(t, fo, Options{})

	t.Run("single segment uses default bucket", func(t *testing.T) {
		env.do(http.MethodGet, "/cdn/a.mp4", nil)
		assert.Equal(t, "vod", fo.lastBucket)
		assert.Equal(t, "a.mp4", fo.lastKey)
	})

	t.Run("first segment with extension stays in key", func(t *testing.T) {
		env.do(http.MethodGet, "/cdn/show.s01/e01.mp4", nil)
		assert.Equal(t, "vod", fo.lastBucket)
		assert.Equal(t, "show.s01/e01.mp4", fo.lastKey)
	})

	t.Run("extensionless first segment is the bucket", func(t *testing.T) {
		env.do(http.MethodGet, "/cdn/assets/v/a.mp4", nil)
		assert.Equal(t, "assets", fo.lastBucket)
		assert.Equal(t, "v/a.mp4", fo.lastKey)
	})
}

func TestOriginErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"missing key", origin.ErrNoSuchKey, http.StatusNotFound, "not_found"},
		{"missing bucket", origin.ErrNoSuchBucket, http.StatusNotFound, "not_found"},
		{"access denied", origin.ErrAccessDenied, http.StatusForbidden, "forbidden"},
		{"transport failure", fmt.Errorf("dial tcp: connection refused"), http.StatusBadGateway, "origin_failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fo := &fakeOrigin{
				getFn: func(context.Context, string, string, string) (*origin.Object, error) {
					return nil, tt.err
				},
			}
			env := newTestEnv(t, fo, Options{})

			rec := env.do(http.MethodGet, "/cdn/videos/a.mp4", nil)
			require.Equal(t, tt.wantStatus, rec.Code)

			var envelope struct {
				Code      string `json:"code"`
				Message   string `json:"message"`
				Success   bool   `json:"success"`
				Timestamp string `json:"timestamp"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
			assert.Equal(t, tt.wantCode, envelope.Code)
			assert.False(t, envelope.Success)
			assert.NotEmpty(t, envelope.Timestamp)
		})
	}
}

func TestHeadObject(t *testing.T) {
	fo := &fakeOrigin{
		headFn: func(context.Context, string, string) (*origin.Object, error) {
			return &origin.Object{
				ContentType:   "video/mp4",
				ContentLength: 4194304,
				ETag:          `"etag-head"`,
				AcceptRanges:  "bytes",
			}, nil
		},
	}
	env := newTestEnv(t, fo, Options{})

	rec := env.do(http.MethodHead, "/cdn/videos/a.mp4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "4194304", rec.Header().Get("Content-Length"))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, int64(1), fo.heads.Load())
	assert.Equal(t, int64(0), fo.gets.Load())
}

func TestHeadObjectServedFromCache(t *testing.T) {
	fo := &fakeOrigin{getFn: staticObject([]byte("cached-bytes"), "video/mp4")}
	env := newTestEnv(t, fo, Options{})

	env.do(http.MethodGet, "/cdn/videos/a.mp4", nil)

	rec := env.do(http.MethodHead, "/cdn/videos/a.mp4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, "12", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, int64(0), fo.heads.Load())
}

func TestCacheAdminEndpoints(t *testing.T) {
	fo := &fakeOrigin{getFn: staticObject([]byte("x"), "video/mp4")}
	env := newTestEnv(t, fo, Options{})

	t.Run("stats", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/proxy/cache/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var stats cache.Stats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, cache.ModeMemory, stats.Mode)
	})

	t.Run("health", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/proxy/cache/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var health struct {
			Healthy     bool   `json:"healthy"`
			Mode        string `json:"mode"`
			Initialized bool   `json:"initialized"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.True(t, health.Healthy)
		assert.Equal(t, "memory", health.Mode)
		assert.True(t, health.Initialized)
	})

	t.Run("clear", func(t *testing.T) {
		env.do(http.MethodGet, "/cdn/videos/a.mp4", nil)
		require.True(t, env.manager.Exists(context.Background(), cache.BuildKey("videos", "a.mp4", "")))

		rec := env.do(http.MethodPost, "/proxy/cache/clear", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, env.manager.Exists(context.Background(), cache.BuildKey("videos", "a.mp4", "")))
	})

	t.Run("switch rejects unknown mode", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/proxy/cache/switch", strings.NewReader(`{"mode":"bogus"}`))
		rec := httptest.NewRecorder()
		env.mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("switch to memory", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/proxy/cache/switch", strings.NewReader(`{"mode":"memory"}`))
		rec := httptest.NewRecorder()
		env.mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Success bool   `json:"success"`
			Mode    string `json:"mode"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "memory", resp.Mode)
	})
}

func TestStatusAndRootEndpoints(t *testing.T) {
	fo := &fakeOrigin{}
	env := newTestEnv(t, fo, Options{Version: "1.2.3"})

	t.Run("root self-description", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Service   string            `json:"service"`
			Version   string            `json:"version"`
			Endpoints map[string]string `json:"endpoints"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "vodedge", body.Service)
		assert.Equal(t, "1.2.3", body.Version)
		assert.NotEmpty(t, body.Endpoints)
	})

	t.Run("status", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/proxy/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Version       string  `json:"version"`
			UptimeSeconds float64 `json:"uptime_seconds"`
			CacheMode     string  `json:"cache_mode"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "1.2.3", body.Version)
		assert.Equal(t, "memory", body.CacheMode)
		assert.GreaterOrEqual(t, body.UptimeSeconds, 0.0)
	})
}

func TestRemoteFetchEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write([]byte("remote-segment"))
	}))
	defer upstream.Close()

	fo := &fakeOrigin{}
	env := newTestEnv(t, fo, Options{})

	rec := env.do(http.MethodGet, "/proxy/fetch?url="+strings.ReplaceAll(upstream.URL, ":", "%3A"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, "remote-segment", rec.Body.String())

	t.Run("missing url", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/proxy/fetch", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("non-http scheme rejected", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/proxy/fetch?url=file%3A%2F%2F%2Fetc%2Fpasswd", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
