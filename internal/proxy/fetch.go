package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/clipstream/vodedge/internal/cache"
	"github.com/clipstream/vodedge/internal/metrics"
	"github.com/clipstream/vodedge/internal/observability"
	"github.com/clipstream/vodedge/internal/origin"
	edgeerrors "github.com/clipstream/vodedge/pkg/errors"
)

const (
	// sniffLen covers one full MPEG-TS packet plus the next sync byte.
	sniffLen = 512

	copyBufSize = 32 * 1024

	cacheControlValue = "public, max-age=3600"
)

// serveObject runs the fetch pipeline for a GET request.
func (h *Handler) serveObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	byteRange := r.Header.Get("Range")
	cacheKey := cache.BuildKey(bucket, key, byteRange)

	// Ranged responses are never cached, so only range-less requests
	// consult the cache.
	if byteRange == "" {
		if item := h.cache.Get(ctx, cacheKey); item != nil {
			metrics.RecordCacheResult("hit")
			h.writeCachedItem(w, item)
			return
		}
		metrics.RecordCacheResult("miss")
	} else {
		metrics.RecordCacheResult("bypass")
	}

	spanCtx, span := observability.StartObjectSpan(ctx, h.tracer, "edge.get_object", bucket, key)
	defer span.End()

	obj, err := h.origin.GetObject(spanCtx, bucket, key, byteRange)
	if err != nil {
		observability.RecordSpanError(span, err)
		h.writeOriginError(w, r, err)
		return
	}
	if obj.Body == nil {
		h.writeError(w, r, edgeerrors.NewNotFound("object has no body"))
		return
	}
	defer obj.Body.Close()

	contentType := obj.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = ContentTypeForKey(key)
	}

	if byteRange == "" && IsPlaylist(contentType, key) {
		h.servePlaylist(w, r, obj, cacheKey, key)
		return
	}

	h.streamObject(w, r, obj, cacheKey, byteRange, contentType)
}

// writeCachedItem serves a cache hit.
func (h *Handler) writeCachedItem(w http.ResponseWriter, item *cache.Item) {
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
	_, _ = w.Write(item.Data)
}

// streamObject pipes the origin body to the client, teeing bytes into a
// fill buffer when the object qualifies for cache admission. A buffer
// that outgrows the cap is dropped while streaming continues.
func (h *Handler) streamObject(w http.ResponseWriter, r *http.Request, obj *origin.Object, cacheKey, byteRange, contentType string) {
	head, rerr := readHead(obj.Body)
	if rerr != nil && !errors.Is(rerr, io.EOF) {
		h.writeError(w, r, edgeerrors.NewOriginFailure("origin stream failed"))
		return
	}
	complete := errors.Is(rerr, io.EOF)
	contentType = SniffContentType(contentType, head)

	status := http.StatusOK
	if obj.ContentRange != "" {
		status = http.StatusPartialContent
	}
	h.writeObjectHeaders(w, obj, contentType)
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(status)

	var fill *bytes.Buffer
	if byteRange == "" && obj.ContentLength >= 0 && obj.ContentLength <= h.maxCacheableBytes {
		fill = bytes.NewBuffer(make([]byte, 0, obj.ContentLength))
	}

	flusher, _ := w.(http.Flusher)
	writeChunk := func(chunk []byte) bool {
		if fill != nil {
			fill.Write(chunk)
			if int64(fill.Len()) > h.maxCacheableBytes {
				fill = nil
			}
		}
		if _, werr := w.Write(chunk); werr != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	if len(head) > 0 && !writeChunk(head) {
		return
	}

	buf := make([]byte, copyBufSize)
	for !complete {
		n, err := obj.Body.Read(buf)
		if n > 0 && !writeChunk(buf[:n]) {
			// client gone; context cancellation stops the origin pull
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Warn("origin stream interrupted",
					"cache_key", cacheKey, "error", err)
				return
			}
			complete = true
		}
	}

	if complete && fill != nil {
		h.cache.Set(r.Context(), cacheKey, fill.Bytes(), cache.SetOptions{
			ContentType:  contentType,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
		})
	}
}

// servePlaylist buffers, rewrites, and serves an HLS playlist.
func (h *Handler) servePlaylist(w http.ResponseWriter, r *http.Request, obj *origin.Object, cacheKey, key string) {
	body, err := io.ReadAll(obj.Body)
	if err != nil {
		h.writeError(w, r, edgeerrors.NewOriginFailure("read playlist from origin"))
		return
	}

	rewritten, err := h.rewriter.Rewrite(body, r.URL.Path)
	if err != nil {
		h.logger.Error("playlist rewrite failed", "key", key, "error", err)
		h.writeError(w, r, edgeerrors.NewRewriteFailure("playlist rewrite failed"))
		return
	}

	contentType := obj.ContentType
	if !IsPlaylist(contentType, "") {
		contentType = "application/vnd.apple.mpegurl"
	}

	h.writeObjectHeaders(w, obj, contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rewritten)

	if int64(len(rewritten)) < h.maxPlaylistBytes {
		h.cache.Set(r.Context(), cacheKey, rewritten, cache.SetOptions{
			ContentType:  contentType,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
		})
	}
}

// writeObjectHeaders sets the common object response headers.
func (h *Handler) writeObjectHeaders(w http.ResponseWriter, obj *origin.Object, contentType string) {
	hdr := w.Header()
	hdr.Set("Content-Type", contentType)
	if obj.ContentLength >= 0 {
		hdr.Set("Content-Length", strconv.FormatInt(obj.ContentLength, 10))
	}
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("Cache-Control", cacheControlValue)
	if obj.ETag != "" {
		hdr.Set("ETag", obj.ETag)
	}
	if !obj.LastModified.IsZero() {
		hdr.Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	}
	if obj.ContentRange != "" {
		hdr.Set("Content-Range", obj.ContentRange)
	}
}

// readHead pulls the sniff window from the body. io.EOF means the whole
// object fit inside the window.
func readHead(body io.Reader) ([]byte, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return head[:n], err
}

// writeOriginError maps classified origin errors onto HTTP statuses.
func (h *Handler) writeOriginError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, origin.ErrNoSuchKey), errors.Is(err, origin.ErrNoSuchBucket):
		h.writeError(w, r, edgeerrors.NewNotFound("object not found"))
	case errors.Is(err, origin.ErrAccessDenied):
		h.writeError(w, r, edgeerrors.NewForbidden("access to object denied"))
	default:
		h.logger.Error("origin request failed",
			"request_id", observability.RequestIDFromContext(r.Context()),
			"error", err)
		h.writeError(w, r, edgeerrors.NewOriginFailure("origin request failed"))
	}
}

// uptime reports seconds since the handler was constructed.
func (h *Handler) uptime() float64 {
	return time.Since(h.startedAt).Seconds()
}
