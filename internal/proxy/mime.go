// Package proxy implements the edge-serving pipeline: request parsing,
// cache lookup, origin streaming with a cache tee, and HLS playlist
// rewriting.
package proxy

import (
	"path"
	"strings"
)

// mimeByExtension maps the streaming-media extensions the edge serves.
// Extensions outside this table fall back to application/octet-stream.
var mimeByExtension = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".mp4":  "video/mp4",
	".m4s":  "video/iso.segment",
	".mp3":  "audio/mpeg",
	".aac":  "audio/aac",
	".webm": "video/webm",
	".mpd":  "application/dash+xml",
	".vtt":  "text/vtt",
	".srt":  "application/x-subrip",
	".json": "application/json",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// ContentTypeForKey infers a Content-Type from the object key extension.
func ContentTypeForKey(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ct, ok := mimeByExtension[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// SniffContentType inspects leading payload bytes for known signatures
// and returns a more specific type than the declared one when the
// declared type is empty or generic. MPEG-TS has no magic string, so it
// is detected by sync bytes at the packet stride.
func SniffContentType(declared string, head []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if ct := sniff(head); ct != "" {
		return ct
	}
	if declared != "" {
		return declared
	}
	return "application/octet-stream"
}

func sniff(head []byte) string {
	if isMPEGTS(head) {
		return "video/mp2t"
	}
	if len(head) >= 2 && head[0] == 0x1F && head[1] == 0x8B {
		return "application/gzip"
	}
	if len(head) >= 4 && head[0] == 0x28 && head[1] == 0xB5 && head[2] == 0x2F && head[3] == 0xFD {
		return "application/zstd"
	}
	if len(head) >= 12 && string(head[4:8]) == "ftyp" {
		return "video/mp4"
	}
	if len(head) >= 7 && string(head[:7]) == "#EXTM3U" {
		return "application/vnd.apple.mpegurl"
	}
	return ""
}

// isMPEGTS reports whether the head bytes carry 0x47 sync markers at the
// 188-byte packet stride.
func isMPEGTS(head []byte) bool {
	const packetSize = 188
	if len(head) < 1 || head[0] != 0x47 {
		return false
	}
	checks := 0
	for off := packetSize; off < len(head); off += packetSize {
		if head[off] != 0x47 {
			return false
		}
		checks++
	}
	return checks >= 1 || len(head) < packetSize+1
}
