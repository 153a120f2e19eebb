// Package token implements the get_peers/announce_peer capability: an
// opaque value handed out with a get_peers response and checked on the
// subsequent announce_peer, binding the capability to the requester's
// source address without the handler needing to remember every address it
// ever answered.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"net"
	"time"
)

// SecretSize is the number of random bytes in a rotating secret.
const SecretSize = 8

// Manager issues and verifies tokens. It keeps the current and previous
// secret so a token issued just before a rotation is still accepted for one
// more rotation window.
type Manager struct {
	current  []byte
	previous []byte
}

// NewManager returns a Manager with a freshly generated secret.
func NewManager() *Manager {
	m := &Manager{current: newSecret()}
	return m
}

func newSecret() []byte {
	b := make([]byte, SecretSize)
	_, _ = rand.Read(b)
	return b
}

// Rotate replaces the current secret with a new one, keeping the old one as
// "previous" so tokens issued under it remain valid for one more window.
func (m *Manager) Rotate() {
	m.previous = m.current
	m.current = newSecret()
}

// Issue derives a token bound to addr under the current secret.
func (m *Manager) Issue(addr net.Addr) []byte {
	return sign(m.current, addr)
}

// Verify reports whether token was issued for addr under the current or
// previous secret.
func (m *Manager) Verify(addr net.Addr, token []byte) bool {
	if hmac.Equal(token, sign(m.current, addr)) {
		return true
	}
	if m.previous != nil && hmac.Equal(token, sign(m.previous, addr)) {
		return true
	}
	return false
}

func sign(secret []byte, addr net.Addr) []byte {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(addrKey(addr)))
	return mac.Sum(nil)
}

// addrKey uses only the IP, not the port: a token should be valid for a
// given source IP across the ephemeral source ports a client's queries may
// arrive from.
func addrKey(addr net.Addr) string {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// RotationInterval is how often the handler should call Rotate, chosen so a
// token's effective acceptance window (one interval plus whatever remains
// of the previous one) lands in the 5-10 minute range the token contract
// requires.
const RotationInterval = 5 * time.Minute
