// Package fingerprint computes the deterministic content hash used as the
// coalesce and cache key.
//
// The digest covers (model, messages, generation) only — never request_id,
// user_id, or the stream flag — so identical prompts from different callers
// coalesce regardless of who sent them.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/backends"
)

// Field separators for the canonical byte encoding. ASCII unit/record
// separators cannot appear in role names and keep the encoding unambiguous
// for arbitrary message content.
const (
	sepUnit   = "\x1f"
	sepRecord = "\x1e"
)

// Fingerprint is a 32-byte SHA-256 digest.
type Fingerprint [sha256.Size]byte

// Hex returns the lowercase hex form, used in Redis keys and log fields.
func (fp Fingerprint) Hex() string {
	return hex.EncodeToString(fp[:])
}

// Compute hashes the canonical encoding of the fingerprinted request fields.
// The encoding is stable across versions:
//
//	model \x1e (role \x1f content \x1e)* max_tokens|temperature|top_p
//
// with temperature and top_p clamped to [0,2] and [0,1] respectively and
// formatted as fixed-point 6-decimal strings.
func Compute(model string, messages []backends.Message, gen backends.GenerationParams) Fingerprint {
	var b strings.Builder
	b.WriteString(model)
	b.WriteString(sepRecord)

	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(sepUnit)
		b.WriteString(m.Content)
		b.WriteString(sepRecord)
	}

	b.WriteString(strconv.Itoa(gen.MaxTokens))
	b.WriteString("|")
	b.WriteString(formatParam(gen.Temperature, 0, 2))
	b.WriteString("|")
	b.WriteString(formatParam(gen.TopP, 0, 1))

	return sha256.Sum256([]byte(b.String()))
}

// ForRequest is a convenience wrapper over Compute.
func ForRequest(req *backends.ChatRequest) Fingerprint {
	return Compute(req.Model, req.Messages, req.Generation)
}

// formatParam clamps v into [lo, hi] and renders it with exactly six
// fractional digits so float representation noise never splits a keyspace.
func formatParam(v, lo, hi float64) string {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}
