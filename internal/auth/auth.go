// Package auth validates caller-supplied API credentials and checks job
// ownership. A credential that fails the format check is rejected before any
// process is spawned; the credential that starts a job becomes its owner and
// must be presented again to stop or stream it.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

const (
	minCredentialLen = 16
	maxCredentialLen = 256
)

var ErrInvalidCredential = errors.New("credential failed format validation")

// ValidateCredential checks the length and character class of a
// caller-supplied credential. The error reports only the coarse reason, so
// responses don't leak key structure.
func ValidateCredential(credential string) error {
	if len(credential) < minCredentialLen || len(credential) > maxCredentialLen {
		return fmt.Errorf(
			"%w: length must be between %d and %d characters",
			ErrInvalidCredential,
			minCredentialLen,
			maxCredentialLen,
		)
	}

	for _, c := range credential {
		if !isCredentialChar(c) {
			return fmt.Errorf(
				"%w: contains characters outside [A-Za-z0-9._-]",
				ErrInvalidCredential,
			)
		}
	}

	return nil
}

// SameOwner reports whether a presented credential matches a job's owner
// credential, in constant time.
func SameOwner(owner, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(owner), []byte(presented)) == 1
}

func isCredentialChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z',
		c >= 'A' && c <= 'Z',
		c >= '0' && c <= '9',
		c == '.', c == '_', c == '-':
		return true

	default:
		return false
	}
}
