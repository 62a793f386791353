// Package pairing implements the one-time pairing handshake: a short-lived
// 6-digit code that, when presented over the pairing endpoint, releases the
// connection credentials to a newly paired client exactly once.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"sync/atomic"
	"time"
)

// Validation failures, in the order they are checked.
var (
	// ErrRateLimited is returned after too many failed attempts. The code
	// stays locked until the bridge is restarted or the code is reissued.
	ErrRateLimited = errors.New("pairing: too many failed attempts")

	// ErrAlreadyUsed is returned once the code has been redeemed.
	ErrAlreadyUsed = errors.New("pairing: code has already been used")

	// ErrInvalidCode covers both wrong and expired codes.
	ErrInvalidCode = errors.New("pairing: code is invalid or expired")
)

const (
	// ttl is how long a pairing code stays valid.
	ttl = 60 * time.Second

	// maxAttempts is how many wrong codes are tolerated before lock-out.
	maxAttempts = 5
)

// Payload is the credential bundle returned to a successfully paired client.
// Field order and omission rules are part of the wire contract.
type Payload struct {
	URL             string `json:"url"`
	Protocol        string `json:"protocol"`
	Version         string `json:"version"`
	AuthToken       string `json:"authToken"`
	CertFingerprint string `json:"certFingerprint,omitempty"`
	ClientID        string `json:"clientId,omitempty"`
	ClientSecret    string `json:"clientSecret,omitempty"`
}

// Manager owns the single pairing ticket of a bridge run. The used flag and
// attempt counter are atomics so validation is lock-free.
type Manager struct {
	code      string
	createdAt time.Time
	used      atomic.Bool
	attempts  atomic.Uint32
	payload   Payload
}

// New mints a fresh pairing code wrapping the given credential payload. The
// protocol identifier and version are filled in here.
func New(payload Payload) *Manager {
	payload.Protocol = "acp"
	payload.Version = "1.0"
	return &Manager{
		code:      generateCode(),
		createdAt: time.Now(),
		payload:   payload,
	}
}

// Code returns the current 6-digit pairing code.
func (m *Manager) Code() string {
	return m.code
}

// PairingURL builds the URL a client visits to redeem the code. The
// certificate fingerprint rides along so the client can pin it before the
// first TLS handshake; it is omitted when no fingerprint is set.
func (m *Manager) PairingURL(baseURL string) string {
	u := fmt.Sprintf("%s/pair/local?code=%s", baseURL, m.code)
	if m.payload.CertFingerprint != "" {
		u += "&fp=" + url.QueryEscape(m.payload.CertFingerprint)
	}
	return u
}

// Expired reports whether the code's TTL has elapsed.
func (m *Manager) Expired() bool {
	return time.Since(m.createdAt) > ttl
}

// SecondsRemaining returns how long the code stays valid, for the startup
// banner.
func (m *Manager) SecondsRemaining() int {
	remaining := ttl - time.Since(m.createdAt)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds())
}

// Validate checks a presented code and returns the credential payload on the
// first and only success. Checks short-circuit in order: rate limit, used
// flag, expiry, code match, then an atomic claim of the used flag so
// concurrent redeemers cannot both succeed.
func (m *Manager) Validate(code string) (Payload, error) {
	if m.attempts.Load() >= maxAttempts {
		return Payload{}, ErrRateLimited
	}

	if m.used.Load() {
		return Payload{}, ErrAlreadyUsed
	}

	if m.Expired() {
		return Payload{}, ErrInvalidCode
	}

	if code != m.code {
		m.attempts.Add(1)
		return Payload{}, ErrInvalidCode
	}

	if !m.used.CompareAndSwap(false, true) {
		return Payload{}, ErrAlreadyUsed
	}

	return m.payload, nil
}

// generateCode returns a cryptographically random 6-digit decimal code,
// uniform in [100000, 999999].
func generateCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// a pairing code is not worth running without one.
		panic(fmt.Sprintf("pairing: system random source unavailable: %v", err))
	}
	return fmt.Sprintf("%06d", n.Int64()+100000)
}
