// Package canonicalize provides deterministic serialization and hashing for
// every self-hash, record hash, and memo hash in the engine. All formulas are
// defined over canonical bytes so hashes computed here match hashes computed
// by any other implementation.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
)

// GenesisMarker is the sentinel predecessor value for the first record in any
// hash chain.
const GenesisMarker = "genesis"

// GenesisHash is the hash-shaped form of the genesis sentinel, used where a
// chain field must always carry a 64-char hex digest.
var GenesisHash = HashString(GenesisMarker)

// Canonical returns the RFC 8785 (JCS) canonical JSON bytes of v.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase hex SHA-256 of the canonical JSON form of v.
func Hash(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase hex SHA-256 of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashString returns the lowercase hex SHA-256 of a string.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// HashJoin hashes the colon-joined concatenation of parts. This is the
// serialization behind signature payloads and several record hashes.
func HashJoin(parts ...string) string {
	return HashString(strings.Join(parts, ":"))
}

// PipeJoin serializes a flat map as the sorted-key "k:v" pipe-joined string
// used by the ledger anchor memo. Keys are sorted lexicographically; values
// are emitted verbatim.
func PipeJoin(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + ":" + fields[k]
	}
	return strings.Join(pairs, "|")
}

// PipeJoinHash returns the SHA-256 over the PipeJoin serialization.
func PipeJoinHash(fields map[string]string) string {
	return HashString(PipeJoin(fields))
}
