// Package sha256 computes content digests for render inputs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hasher produces lowercase hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashJSON digests the concatenated JSON encodings of values. Struct fields
// encode in declaration order and map keys sorted, so equal values always
// produce equal digests.
func (h *Hasher) HashJSON(values ...any) (string, error) {
	digest := sha256.New()
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode value %d: %w", i, err)
		}
		digest.Write(raw)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
