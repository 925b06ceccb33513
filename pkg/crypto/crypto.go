// Package crypto holds the canonical signature construction shared by the
// signing gateway, the multi-sig engine, and the sovereign portal, plus the
// capability-token and HMAC primitives the rest of the engine builds on.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
)

// SignerIdentity names one signing party.
type SignerIdentity struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	Role          string `json:"role"`
	SignatureType string `json:"signatureType"`
}

// Signature is the canonical signature record. The merkle root is stored so
// verification can fully re-derive the original hash.
type Signature struct {
	SignatureID       string    `json:"signatureId"`
	SignerName        string    `json:"signerName"`
	SignerEmail       string    `json:"signerEmail"`
	SignerRole        string    `json:"signerRole"`
	SignatureType     string    `json:"signatureType"`
	DocumentHash      string    `json:"documentHash"`
	MerkleRoot        string    `json:"merkleRoot"`
	SignedAt          time.Time `json:"signedAt"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
	Platform          string    `json:"platform,omitempty"`
	SignatureHash     string    `json:"signatureHash"`
	CombinedHash      string    `json:"combinedHash"`
	PreviousSignature string    `json:"previousSignatureHash"`
	Sequence          int       `json:"sequence"`
	Status            string    `json:"status"`
}

// Timestamp returns the fixed wire form of a signing instant. Every hash that
// covers a timestamp uses this form.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// signaturePayload is the colon-joined serialization defined for signature
// hashing. Field order is fixed; changing it breaks every stored signature.
func signaturePayload(sigID string, id SignerIdentity, docHash, merkleRoot string, signedAt time.Time, deviceFingerprint string) string {
	return strings.Join([]string{
		sigID,
		id.Name,
		id.Email,
		id.Role,
		id.SignatureType,
		docHash,
		merkleRoot,
		Timestamp(signedAt),
		deviceFingerprint,
	}, ":")
}

// NewSignature builds a signature over the current document hash. prevSigHash
// is the prior signature's hash in the same chain, or empty for the first
// signer (the genesis hash is substituted).
func NewSignature(id SignerIdentity, docHash, merkleRoot string, signedAt time.Time, deviceFingerprint, platform, prevSigHash string, sequence int) (Signature, error) {
	sigID, err := NewID()
	if err != nil {
		return Signature{}, err
	}
	if prevSigHash == "" {
		prevSigHash = canonicalize.GenesisHash
	}

	sigHash := canonicalize.HashString(signaturePayload(sigID, id, docHash, merkleRoot, signedAt, deviceFingerprint))
	combined := canonicalize.HashString(docHash + sigHash)

	return Signature{
		SignatureID:       sigID,
		SignerName:        id.Name,
		SignerEmail:       id.Email,
		SignerRole:        id.Role,
		SignatureType:     id.SignatureType,
		DocumentHash:      docHash,
		MerkleRoot:        merkleRoot,
		SignedAt:          signedAt,
		DeviceFingerprint: deviceFingerprint,
		Platform:          platform,
		SignatureHash:     sigHash,
		CombinedHash:      combined,
		PreviousSignature: prevSigHash,
		Sequence:          sequence,
		Status:            "signed",
	}, nil
}

// VerifySignature recomputes the signature hash and combined hash from the
// stored fields and reports whether both match.
func VerifySignature(sig Signature) bool {
	id := SignerIdentity{
		Name:          sig.SignerName,
		Email:         sig.SignerEmail,
		Role:          sig.SignerRole,
		SignatureType: sig.SignatureType,
	}
	expected := canonicalize.HashString(signaturePayload(sig.SignatureID, id, sig.DocumentHash, sig.MerkleRoot, sig.SignedAt, sig.DeviceFingerprint))
	if expected != sig.SignatureHash {
		return false
	}
	return canonicalize.HashString(sig.DocumentHash+sig.SignatureHash) == sig.CombinedHash
}

// NewToken returns a 256-bit capability token, hex-encoded (64 chars).
func NewToken() (string, error) {
	return randomHex(32)
}

// NewID returns a 128-bit random identifier, hex-encoded (32 chars).
func NewID() (string, error) {
	return randomHex(16)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("crypto: random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ConstantTimeEquals compares two strings without leaking a timing signal.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HMAC256 returns the hex HMAC-SHA256 of msg under key.
func HMAC256(key, msg string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
