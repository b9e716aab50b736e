package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"runtime"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel/trace"

	"github.com/clipstream/vodedge/internal/cache"
	"github.com/clipstream/vodedge/internal/observability"
	"github.com/clipstream/vodedge/internal/origin"
	edgeerrors "github.com/clipstream/vodedge/pkg/errors"
)

// Options configures the request handler.
type Options struct {
	DefaultBucket         string
	CDNBasePath           string
	ProxyBasePath         string
	MaxCacheableBytes     int64
	MaxPlaylistCacheBytes int64
	Version               string
}

// Handler serves the edge HTTP surface: object delivery under the CDN
// base path and cache administration under the proxy base path.
type Handler struct {
	opts     Options
	cache    *cache.Manager
	capacity *cache.CapacityManager
	origin   origin.Client
	rewriter *Rewriter
	logger   *slog.Logger
	tracer   trace.Tracer
	fetch    *http.Client

	maxCacheableBytes int64
	maxPlaylistBytes  int64
	startedAt         time.Time
}

// NewHandler creates the edge request handler.
func NewHandler(opts Options, mgr *cache.Manager, capMgr *cache.CapacityManager, oc origin.Client, logger *slog.Logger, tracer trace.Tracer) *Handler {
	if opts.DefaultBucket == "" {
		opts.DefaultBucket = "vod"
	}
	opts.CDNBasePath = strings.TrimSuffix(opts.CDNBasePath, "/")
	opts.ProxyBasePath = strings.TrimSuffix(opts.ProxyBasePath, "/")
	if opts.MaxCacheableBytes <= 0 {
		opts.MaxCacheableBytes = 5 * 1024 * 1024
	}
	if opts.MaxPlaylistCacheBytes <= 0 {
		opts.MaxPlaylistCacheBytes = 1024 * 1024
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	return &Handler{
		opts:              opts,
		cache:             mgr,
		capacity:          capMgr,
		origin:            oc,
		rewriter:          NewRewriter(opts.CDNBasePath, opts.ProxyBasePath),
		logger:            logger,
		tracer:            tracer,
		fetch:             &http.Client{Timeout: 30 * time.Second},
		maxCacheableBytes: opts.MaxCacheableBytes,
		maxPlaylistBytes:  opts.MaxPlaylistCacheBytes,
		startedAt:         time.Now(),
	}
}

// Register wires all routes onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	cdn := h.opts.CDNBasePath
	admin := h.opts.ProxyBasePath

	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc(fmt.Sprintf("GET %s/{objectPath...}", cdn), h.handleGetObject)
	mux.HandleFunc(fmt.Sprintf("HEAD %s/{objectPath...}", cdn), h.handleHeadObject)
	mux.HandleFunc(fmt.Sprintf("GET %s/fetch", admin), h.handleRemoteFetch)
	mux.HandleFunc(fmt.Sprintf("GET %s/status", admin), h.handleStatus)
	mux.HandleFunc(fmt.Sprintf("GET %s/cache/stats", admin), h.handleCacheStats)
	mux.HandleFunc(fmt.Sprintf("POST %s/cache/clear", admin), h.handleCacheClear)
	mux.HandleFunc(fmt.Sprintf("POST %s/cache/switch", admin), h.handleCacheSwitch)
	mux.HandleFunc(fmt.Sprintf("GET %s/cache/health", admin), h.handleCacheHealth)
}

// parseObjectPath splits a request path into bucket and object key. A
// single segment uses the default bucket. With multiple segments the
// first is a bucket name only when it carries no file extension.
func (h *Handler) parseObjectPath(objectPath string) (bucket, key string, err error) {
	objectPath = strings.Trim(objectPath, "/")
	if objectPath == "" {
		return "", "", fmt.Errorf("empty object path")
	}

	segments := strings.SplitN(objectPath, "/", 2)
	if len(segments) == 1 {
		return h.opts.DefaultBucket, segments[0], nil
	}
	if path.Ext(segments[0]) == "" {
		return segments[0], segments[1], nil
	}
	return h.opts.DefaultBucket, objectPath, nil
}

func (h *Handler) handleGetObject(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := h.parseObjectPath(r.PathValue("objectPath"))
	if err != nil {
		h.writeError(w, r, edgeerrors.NewBadRequest("object path is required"))
		return
	}
	h.serveObject(w, r, bucket, key)
}

func (h *Handler) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := h.parseObjectPath(r.PathValue("objectPath"))
	if err != nil {
		h.writeError(w, r, edgeerrors.NewBadRequest("object path is required"))
		return
	}

	ctx := r.Context()
	cacheKey := cache.BuildKey(bucket, key, "")
	if item := h.cache.Get(ctx, cacheKey); item != nil {
		hdr := w.Header()
		hdr.Set("Content-Type", item.ContentType)
		hdr.Set("Content-Length", strconv.FormatInt(item.Size, 10))
		hdr.Set("Accept-Ranges", "bytes")
		hdr.Set("Cache-Control", cacheControlValue)
		hdr.Set("X-Cache", "HIT")
		if item.ETag != "" {
			hdr.Set("ETag", item.ETag)
		}
		if !item.LastModified.IsZero() {
			hdr.Set("Last-Modified", item.LastModified.UTC().Format(http.TimeFormat))
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	obj, err := h.origin.HeadObject(ctx, bucket, key)
	if err != nil {
		h.writeOriginError(w, r, err)
		return
	}

	contentType := obj.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = ContentTypeForKey(key)
	}
	h.writeObjectHeaders(w, obj, contentType)
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(http.StatusOK)
}

// handleRemoteFetch proxies an absolute URL that a rewritten playlist
// pointed back at this edge. The response streams through uncached.
func (h *Handler) handleRemoteFetch(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		h.writeError(w, r, edgeerrors.NewBadRequest("url parameter is required"))
		return
	}
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		h.writeError(w, r, edgeerrors.NewBadRequest("url must be absolute http(s)"))
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		h.writeError(w, r, edgeerrors.NewBadRequest("invalid url"))
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := h.fetch.Do(req)
	if err != nil {
		h.logger.Warn("remote fetch failed", "url", target.String(), "error", err)
		h.writeError(w, r, edgeerrors.NewOriginFailure("remote fetch failed"))
		return
	}
	defer resp.Body.Close()

	for _, name := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "ETag", "Last-Modified"} {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("remote fetch stream interrupted", "url", target.String(), "error", err)
	}
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service": "vodedge",
		"version": h.opts.Version,
		"endpoints": map[string]string{
			"objects":      h.opts.CDNBasePath + "/{bucket?}/{key}",
			"status":       h.opts.ProxyBasePath + "/status",
			"cache_stats":  h.opts.ProxyBasePath + "/cache/stats",
			"cache_clear":  h.opts.ProxyBasePath + "/cache/clear",
			"cache_switch": h.opts.ProxyBasePath + "/cache/switch",
			"cache_health": h.opts.ProxyBasePath + "/cache/health",
		},
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	redisThreshold, cassandraThreshold := h.capacity.Thresholds()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service":        "vodedge",
		"version":        h.opts.Version,
		"uptime_seconds": h.uptime(),
		"cache_mode":     string(h.cache.Mode()),
		"goroutines":     runtime.NumGoroutine(),
		"memory": map[string]any{
			"alloc_bytes": mem.Alloc,
			"sys_bytes":   mem.Sys,
			"num_gc":      mem.NumGC,
		},
		"cache_capacity": h.cache.GetCapacityInfo(r.Context()),
		"capacity_thresholds": map[string]float64{
			"redis":     redisThreshold,
			"cassandra": cassandraThreshold,
		},
	})
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cache.GetStats(r.Context()))
}

func (h *Handler) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	cleared := h.cache.Clear(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":   cleared,
		"mode":      string(h.cache.Mode()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleCacheSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, edgeerrors.NewBadRequest("invalid request body"))
		return
	}

	mode, ok := cache.ParseMode(req.Mode)
	if !ok {
		h.writeError(w, r, edgeerrors.NewBadRequest(fmt.Sprintf("unknown cache mode %q", req.Mode)))
		return
	}

	if err := h.cache.SwitchBackend(r.Context(), mode); err != nil {
		h.logger.Error("cache switch failed", "mode", string(mode), "error", err)
		h.writeError(w, r, edgeerrors.NewInternalError("cache switch failed"))
		return
	}

	h.logger.Info("cache backend switched", "mode", string(h.cache.Mode()))
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"mode":    string(h.cache.Mode()),
	})
}

func (h *Handler) handleCacheHealth(w http.ResponseWriter, r *http.Request) {
	healthy := h.cache.IsHealthy(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]any{
		"healthy":     healthy,
		"mode":        string(h.cache.Mode()),
		"initialized": h.cache.Initialized(),
	})
}

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err *edgeerrors.EdgeError) {
	if reqID := observability.RequestIDFromContext(r.Context()); reqID != "" && err.StatusCode >= 500 {
		h.logger.Warn("request failed",
			"request_id", reqID,
			"status", err.StatusCode,
			"type", err.Type,
			"path", r.URL.Path)
	}
	h.writeJSON(w, err.HTTPStatusCode(), errorResponse{
		Code:      err.Type,
		Message:   err.Message,
		Success:   false,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("write response failed", "error", err)
	}
}
