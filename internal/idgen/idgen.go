// Package idgen generates identifiers for persisted records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dashless random UUID,
// e.g. "rfd_3f2a9c0e5b7d4e1a9c0e5b7d4e1a9c0e".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id is a prefixed identifier produced by WithPrefix.
func Valid(prefix, id string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
