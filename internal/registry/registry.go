// Package registry resolves caller-supplied session identifiers.
// Identifiers are opaque: two callers presenting the same token share a
// session by convention, which is the whole isolation mechanism.
package registry

import (
	"strings"

	"github.com/google/uuid"

	"mapserver/internal/apperrors"
)

const MaxSessionIDLen = 128

// Resolve returns the session id to use for a request. A supplied id is
// passed through verbatim after structural checks; an empty id yields a
// freshly generated unguessable one.
func Resolve(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.New().String(), nil
	}
	if len(raw) > MaxSessionIDLen {
		return "", apperrors.Validationf("session id exceeds %d characters", MaxSessionIDLen)
	}
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			return "", apperrors.Validationf("session id contains control characters")
		}
	}
	return raw, nil
}
