package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"hash"
	"net/http"
)

// ErrMissingKey is returned when no signing key is available for a webhook.
// It is a configuration error and must not be retried.
var ErrMissingKey = errors.New("signer: signing key is missing")

// Default header names carried on every outgoing webhook request
const (
	DefaultSignatureHeader    = "X-Signature"
	DefaultSignature256Header = "X-Signature-256"
	DefaultKeyIDHeader        = "X-Signature-KID"
)

// Signature is the set of values a receiver needs to authenticate a body
type Signature struct {
	SHA1   string // base64 HMAC-SHA1 over the body
	SHA256 string // base64 HMAC-SHA256 over the body
	KeyID  string // hex SHA-256 of the signing key
}

// HeaderNames maps each signature value onto an HTTP header
type HeaderNames struct {
	Signature    string
	Signature256 string
	KeyID        string
}

// DefaultHeaderNames returns the stock header names
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		Signature:    DefaultSignatureHeader,
		Signature256: DefaultSignature256Header,
		KeyID:        DefaultKeyIDHeader,
	}
}

// Sign computes both HMACs over body and the key identifier for key.
func Sign(body []byte, key string) (Signature, error) {
	if key == "" {
		return Signature{}, ErrMissingKey
	}
	return Signature{
		SHA1:   mac(sha1.New, key, body),
		SHA256: mac(sha256.New, key, body),
		KeyID:  KeyID(key),
	}, nil
}

// KeyID returns the lowercase hex SHA-256 digest of the key itself
func KeyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether sig256 is the base64 HMAC-SHA256 of body under key.
func Verify(body []byte, key, sig256 string) bool {
	if key == "" || sig256 == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(sig256)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(key))
	h.Write(body)
	return hmac.Equal(got, h.Sum(nil))
}

// Apply writes the signature onto h using the given header names.
// Empty names fall back to the defaults.
func (s Signature) Apply(h http.Header, names HeaderNames) {
	def := DefaultHeaderNames()
	if names.Signature == "" {
		names.Signature = def.Signature
	}
	if names.Signature256 == "" {
		names.Signature256 = def.Signature256
	}
	if names.KeyID == "" {
		names.KeyID = def.KeyID
	}
	h.Set(names.Signature, s.SHA1)
	h.Set(names.Signature256, s.SHA256)
	h.Set(names.KeyID, s.KeyID)
}

func mac(fn func() hash.Hash, key string, body []byte) string {
	h := hmac.New(fn, []byte(key))
	h.Write(body)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
