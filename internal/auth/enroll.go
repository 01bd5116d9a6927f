package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadEnrollKey is returned when a station presents the wrong key.
var ErrBadEnrollKey = errors.New("invalid enrollment key")

// Enroller checks the shared key stations present when registering.
// With no hash configured enrollment is open.
type Enroller struct {
	hash []byte
}

// NewEnroller takes a bcrypt hash of the enrollment key.
func NewEnroller(hash string) *Enroller {
	return &Enroller{hash: []byte(hash)}
}

// Open reports whether any key is accepted.
func (e *Enroller) Open() bool { return len(e.hash) == 0 }

// Check compares key against the configured hash.
func (e *Enroller) Check(key string) error {
	if e.Open() {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(e.hash, []byte(key)); err != nil {
		return ErrBadEnrollKey
	}
	return nil
}

// HashKey produces the value for STATION_ENROLL_KEY_HASH.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("key required")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
