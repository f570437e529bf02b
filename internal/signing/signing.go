// Package signing issues and verifies the HMAC session tokens that identify
// a guest. A token is "<ownerId>.<expiryUnix>.<hex signature>".
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformed = errors.New("malformed session token")
	ErrExpired   = errors.New("session token expired")
	ErrSignature = errors.New("session token signature mismatch")
)

var ownerPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Signer generates and validates HMAC based session tokens.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature for an owner and expiry.
func (s *Signer) Sign(ownerID string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	// The payload separator cannot appear in a valid owner id.
	fmt.Fprintf(mac, "%s:%d", ownerID, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidOwner reports whether id can be embedded in a token.
func ValidOwner(id string) bool {
	return ownerPattern.MatchString(id)
}

// Issue returns a token for ownerID that expires after ttl.
func (s *Signer) Issue(ownerID string, ttl time.Duration) (string, time.Time, error) {
	if !ValidOwner(ownerID) {
		return "", time.Time{}, fmt.Errorf("invalid owner id %q", ownerID)
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("session ttl must be positive")
	}
	exp := s.now().Add(ttl).Truncate(time.Second)
	unix := exp.Unix()
	return fmt.Sprintf("%s.%d.%s", ownerID, unix, s.Sign(ownerID, unix)), exp, nil
}

// Verify checks token and returns the owner it was issued for.
func (s *Signer) Verify(token string) (string, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || !ValidOwner(parts[0]) {
		return "", ErrMalformed
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", ErrMalformed
	}
	expected := s.Sign(parts[0], exp)
	// hmac.Equal compares in constant time.
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return "", ErrSignature
	}
	if s.now().Unix() >= exp {
		return "", ErrExpired
	}
	return parts[0], nil
}
