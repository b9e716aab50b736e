package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// BuildKey derives the canonical cache key for an object request.
//
// Two requests map to the same key iff their (bucket, key, range) triple
// matches. The Range header is the only request header that varies the
// stored response; Accept and Accept-Encoding are recognized upstream but
// never change the bytes this edge serves, so they are excluded here.
// The object path stays readable in the key; the header projection is
// hashed so arbitrary header values cannot produce unbounded keys.
func BuildKey(bucket, object, byteRange string) string {
	var sb strings.Builder
	sb.WriteString(bucket)
	sb.WriteString("/")
	sb.WriteString(object)

	if byteRange != "" {
		sum := sha256.Sum256([]byte("range:" + byteRange))
		sb.WriteString("#")
		sb.WriteString(hex.EncodeToString(sum[:8]))
	}

	return sb.String()
}
