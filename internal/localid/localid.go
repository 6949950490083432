// Package localid implements client-chosen identifiers that are traceable to
// the session or user presenting them. A local id embeds a fingerprint taken
// from the owning session (or user) id, so a client cannot guess a valid id
// for a session it does not hold.
//
// Format: <timestamp>.<sequence>.<fingerprint>, where timestamp and sequence
// are base58-encoded and the fingerprint is a prefix of the owner id.
package localid

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
)

// FingerprintLength is the number of leading characters of the owner id
// embedded in generated local ids.
const FingerprintLength = 16

var (
	ErrMalformed           = errors.New("malformed local id")
	ErrFingerprintTooShort = errors.New("local id fingerprint too short")
	ErrFingerprintMismatch = errors.New("local id fingerprint mismatch")
	ErrOwnerRequired       = errors.New("owner id required")
	ErrOwnerTooShort       = errors.New("owner id shorter than fingerprint length")
)

// Generator produces local ids on behalf of a single owner (session or user).
type Generator struct {
	mu    sync.Mutex
	owner string
	seq   uint64
}

// NewGenerator creates a generator embedding a fingerprint of the given
// owner id into every produced local id.
func NewGenerator(owner string) (*Generator, error) {
	if owner == "" {
		return nil, ErrOwnerRequired
	}
	if len(owner) < FingerprintLength {
		return nil, ErrOwnerTooShort
	}
	return &Generator{owner: owner}, nil
}

// Next returns a fresh local id. Ids produced by one generator are unique
// and sort roughly by creation time.
func (g *Generator) Next() string {
	g.mu.Lock()
	seq := g.seq
	g.seq++
	g.mu.Unlock()

	now := time.Now().UnixMilli()
	return fmt.Sprintf("%s.%s.%s",
		base58.Encode(encodeUint64(uint64(now))),
		base58.Encode(encodeUint64(seq)),
		g.owner[:FingerprintLength])
}

// Validate checks that value is a well-formed local id whose fingerprint
// matches the presenting session or user id. An empty value passes, which
// means the caller should generate an id server-side instead.
func Validate(value, sessionID, userID string) error {
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ".")
	if len(parts) != 3 {
		return ErrMalformed
	}
	if _, err := base58.Decode(parts[0]); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if _, err := base58.Decode(parts[1]); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	at := parts[2]
	if len(at) < FingerprintLength {
		return ErrFingerprintTooShort
	}
	if sessionID != "" && strings.HasPrefix(sessionID, at) {
		return nil
	}
	if userID != "" && strings.HasPrefix(userID, at) {
		return nil
	}
	return ErrFingerprintMismatch
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}
