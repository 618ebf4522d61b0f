package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a prefixed random identifier for server-generated
// entities (versions, operations, capability secrets).
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewItemID returns a plain UUID used as row identity inside a list.
func NewItemID() string {
	return uuid.NewString()
}
