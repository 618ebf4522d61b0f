// Package access maps capability tokens to roles and guards the room
// lock. Resolution is a pure equality check so it stays unit-testable
// independent of storage.
package access

import (
	"golang.org/x/crypto/bcrypt"

	"listdiff/api/internal/store"
)

type Role string

const (
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleGuest  Role = "guest"
)

// Capability is a shared-secret token presented by the caller.
type Capability string

// ResolveRole compares the presented capability against the room's
// secrets. Guests are read-only, same as viewers but without a
// recognized-capability badge.
func ResolveRole(room *store.Room, presented Capability) Role {
	if room == nil || presented == "" {
		return RoleGuest
	}
	switch string(presented) {
	case room.EditCapability:
		return RoleEditor
	case room.ViewCapability:
		return RoleViewer
	default:
		return RoleGuest
	}
}

// CanMutate reports whether structural and field mutations are allowed.
// A lock suppresses editing even for editors; only unlock lifts it.
func CanMutate(room *store.Room, role Role) bool {
	if room == nil || role != RoleEditor {
		return false
	}
	return !room.IsLocked
}

// HashPIN derives the stored lock secret from a PIN.
func HashPIN(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPIN checks a presented PIN against the stored lock secret.
func VerifyPIN(lockSecret, pin string) bool {
	if lockSecret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(lockSecret), []byte(pin)) == nil
}
