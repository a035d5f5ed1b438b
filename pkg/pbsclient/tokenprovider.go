// Package pbsclient implements the transactional client described in
// spec §4.5: a ConsumeBudget entry point that runs a two-phase-commit
// transaction against one or two PBS coordinator endpoints, driving each
// phase over HTTP/2 with the required header set.
package pbsclient

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// TokenProvider returns a bearer token for the Authorization header of
// every outbound request. Implementations cache and refresh as needed;
// Token must be safe for concurrent use.
type TokenProvider interface {
	Token() (string, error)
}

// localTokenProvider is the in-repo deterministic stand-in named in
// SPEC_FULL.md's Non-goals: it derives a short-lived ed25519-signed token
// from a static seed via HKDF, refreshing it once its validity window
// elapses. It is not a credential minting service — there is no
// authority backing these tokens beyond this process agreeing with
// itself, which is sufficient for exercising the header contract in
// §4.5 without standing up a real auth service.
type localTokenProvider struct {
	seed     []byte
	identity string
	ttl      time.Duration

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewLocalTokenProvider builds a TokenProvider seeded from seed (any
// stable per-deployment secret) bound to identity (the claimed reporting
// origin or service account name), refreshing every ttl.
func NewLocalTokenProvider(seed []byte, identity string, ttl time.Duration) TokenProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &localTokenProvider{seed: seed, identity: identity, ttl: ttl}
}

func (p *localTokenProvider) Token() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.cached != "" && now.Before(p.expiresAt) {
		return p.cached, nil
	}

	window := now.Truncate(p.ttl).Unix()
	priv, err := p.deriveKey(window)
	if err != nil {
		return "", fmt.Errorf("pbsclient: derive token key: %w", err)
	}

	var windowBuf [8]byte
	binary.BigEndian.PutUint64(windowBuf[:], uint64(window))
	sig := ed25519.Sign(priv, append([]byte(p.identity), windowBuf[:]...))

	token := base64.RawURLEncoding.EncodeToString(sig) + "." + base64.RawURLEncoding.EncodeToString(windowBuf[:])
	p.cached = token
	p.expiresAt = now.Truncate(p.ttl).Add(p.ttl)
	return token, nil
}

// deriveKey expands p.seed into an ed25519 seed bound to window via HKDF,
// so a token's signing key rotates with the window instead of being
// fixed for the life of the process.
func (p *localTokenProvider) deriveKey(window int64) (ed25519.PrivateKey, error) {
	var windowBuf [8]byte
	binary.BigEndian.PutUint64(windowBuf[:], uint64(window))

	reader := hkdf.New(sha256.New, p.seed, windowBuf[:], []byte("pbs-client-token/"+p.identity))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
