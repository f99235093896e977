package types

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer computes and verifies message signatures. The signature is an
// HMAC-SHA256 over the canonical JSON encoding of the message with the
// signature field removed. Canonical means object keys sorted
// lexicographically at every nesting level, which encoding/json already
// guarantees for map values.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer from the shared cluster secret
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign computes the signature for a message and stores it in place
func (s *Signer) Sign(m *Message) error {
	sig, err := s.compute(m)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Verify reports whether the message carries a valid signature
func (s *Signer) Verify(m *Message) bool {
	if m.Signature == "" {
		return false
	}
	expected, err := s.compute(m)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(m.Signature))
}

func (s *Signer) compute(m *Message) (string, error) {
	canonical, err := canonicalEncode(m)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// canonicalEncode round-trips the message through a generic map so that
// every object, including the top level, is emitted with sorted keys
func canonicalEncode(m *Message) ([]byte, error) {
	stripped := *m
	stripped.Signature = ""

	raw, err := json.Marshal(&stripped)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message for signing: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to canonicalize message: %w", err)
	}
	delete(generic, "signature")
	return json.Marshal(generic)
}
