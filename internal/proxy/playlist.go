package proxy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/clipstream/vodedge/internal/metrics"
)

// uriAttrPattern matches URI="..." attributes on HLS tags such as
// #EXT-X-KEY and #EXT-X-MEDIA.
var uriAttrPattern = regexp.MustCompile(`URI="([^"]*)"`)

// IsPlaylist reports whether a response should go through the rewriter,
// based on the declared content type or the object key extension.
func IsPlaylist(contentType, key string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "application/vnd.apple.mpegurl") ||
		strings.Contains(ct, "application/x-mpegurl") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(key), ".m3u8")
}

// Rewriter re-anchors every URI reference in an HLS playlist so it
// resolves through this edge. Relative references resolve against the
// playlist's own edge path, root-relative references are re-anchored
// under the CDN base path, and absolute references to other hosts are
// wrapped through the proxy fetch endpoint.
type Rewriter struct {
	cdnBasePath   string
	proxyBasePath string
}

// NewRewriter creates a playlist rewriter.
func NewRewriter(cdnBasePath, proxyBasePath string) *Rewriter {
	return &Rewriter{
		cdnBasePath:   strings.TrimSuffix(cdnBasePath, "/"),
		proxyBasePath: strings.TrimSuffix(proxyBasePath, "/"),
	}
}

// Rewrite transforms the playlist body. playlistPath is the edge URL
// path the playlist itself was requested from (e.g. /cdn/v/index.m3u8).
// The transform is idempotent: applying it to its own output is a
// no-op.
func (rw *Rewriter) Rewrite(body []byte, playlistPath string) ([]byte, error) {
	if !utf8.Valid(body) {
		metrics.PlaylistRewrites.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("playlist is not valid UTF-8")
	}
	base, err := url.Parse(playlistPath)
	if err != nil {
		metrics.PlaylistRewrites.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("parse playlist path: %w", err)
	}

	text := string(body)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			// keep blank lines as-is
		case strings.HasPrefix(trimmed, "#"):
			lines[i] = rw.rewriteTagLine(line, base)
		default:
			rewritten, err := rw.rewriteRef(trimmed, base)
			if err != nil {
				metrics.PlaylistRewrites.WithLabelValues("error").Inc()
				return nil, fmt.Errorf("rewrite segment reference %q: %w", trimmed, err)
			}
			lines[i] = rewritten
		}
	}

	metrics.PlaylistRewrites.WithLabelValues("ok").Inc()
	return []byte(strings.Join(lines, "\n")), nil
}

// rewriteTagLine rewrites URI attributes inside a tag line. Malformed
// attribute values are left untouched rather than failing the playlist.
func (rw *Rewriter) rewriteTagLine(line string, base *url.URL) string {
	return uriAttrPattern.ReplaceAllStringFunc(line, func(match string) string {
		sub := uriAttrPattern.FindStringSubmatch(match)
		if len(sub) != 2 || sub[1] == "" {
			return match
		}
		rewritten, err := rw.rewriteRef(sub[1], base)
		if err != nil {
			return match
		}
		return `URI="` + rewritten + `"`
	})
}

// rewriteRef resolves one URI reference to an edge-served path.
func (rw *Rewriter) rewriteRef(ref string, base *url.URL) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}

	if u.IsAbs() {
		switch u.Scheme {
		case "http", "https":
			return rw.proxyBasePath + "/fetch?url=" + url.QueryEscape(u.String()), nil
		default:
			// data: and other schemes are served inline by players
			return ref, nil
		}
	}

	// Protocol-relative references carry a host; wrap them like any
	// other remote URL instead of dropping the host on resolution.
	if u.Host != "" {
		u.Scheme = "https"
		return rw.proxyBasePath + "/fetch?url=" + url.QueryEscape(u.String()), nil
	}

	// Root-relative references point at the origin root, not the edge
	// path, so they re-anchor under the CDN base. References already
	// under an edge base pass through unchanged, which keeps the
	// transform idempotent.
	if strings.HasPrefix(u.Path, "/") {
		out := u.EscapedPath()
		if u.RawQuery != "" {
			out += "?" + u.RawQuery
		}
		if strings.HasPrefix(out, rw.cdnBasePath+"/") || strings.HasPrefix(out, rw.proxyBasePath+"/") {
			return out, nil
		}
		return rw.cdnBasePath + out, nil
	}

	resolved := base.ResolveReference(u)
	out := resolved.EscapedPath()
	if resolved.RawQuery != "" {
		out += "?" + resolved.RawQuery
	}
	return out, nil
}
