// Package authtoken encrypts the per-provider credential mapping into the
// single opaque bundle string clients carry on every request. The gateway
// holds no session state: the bundle is the session.
package authtoken

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"relaygate/internal/provider"
)

var (
	// ErrInvalid covers malformed, truncated, or tampered bundles.
	ErrInvalid = errors.New("authtoken: invalid token")
	// ErrExpired means the addressed credential's expiry has elapsed.
	ErrExpired = errors.New("authtoken: expired token")
)

// formatV1 prefixes the ciphertext so future layouts can be added without
// breaking decode of older bundles.
const formatV1 = 0x01

// Bundle is the decrypted mapping of provider name to credentials.
type Bundle map[string]provider.CredentialSet

// Codec seals and opens bundles with a key derived from the configured
// secret. Safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
	now  func() time.Time
}

// NewCodec derives the AEAD key as SHA-256 of secret.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("authtoken: empty secret")
	}
	h := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(h[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead, now: time.Now}, nil
}

// Encode serializes and seals the bundle. Ciphertext varies per call (fresh
// nonce); only Decode(Encode(x)) == x is guaranteed.
func (c *Codec) Encode(b Bundle) (string, error) {
	plain, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("authtoken: marshal: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("authtoken: nonce: %w", err)
	}
	ct := c.aead.Seal(nil, nonce, plain, []byte{formatV1})
	out := make([]byte, 1+len(nonce)+len(ct))
	out[0] = formatV1
	copy(out[1:1+len(nonce)], nonce)
	copy(out[1+len(nonce):], ct)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decode opens a bundle. Any auth-tag or format failure yields ErrInvalid;
// the mapping is never partially trusted.
func (c *Codec) Decode(token string) (Bundle, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(raw) < 1+c.aead.NonceSize()+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: truncated", ErrInvalid)
	}
	if raw[0] != formatV1 {
		return nil, fmt.Errorf("%w: unknown format %#x", ErrInvalid, raw[0])
	}
	nonce := raw[1 : 1+c.aead.NonceSize()]
	ct := raw[1+c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ct, []byte{formatV1})
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrInvalid)
	}
	var b Bundle
	if err := json.Unmarshal(plain, &b); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalid, err)
	}
	return b, nil
}

// CredentialFor extracts exactly one provider's credentials from the bundle.
// Handlers never see the rest of the mapping, so one provider's tokens are
// never applied to another provider's requests.
func (c *Codec) CredentialFor(b Bundle, providerName string) (provider.CredentialSet, error) {
	creds, ok := b[providerName]
	if !ok {
		return provider.CredentialSet{}, fmt.Errorf("%w: no credentials for %q", ErrInvalid, providerName)
	}
	if !creds.Expiry.IsZero() && creds.Expiry.Before(c.now()) {
		return provider.CredentialSet{}, fmt.Errorf("%w: %q credentials expired", ErrExpired, providerName)
	}
	return creds, nil
}
