// Package signing provides the identity helpers shared by marketd and the
// node agents: ed25519 signatures over canonical JSON, deterministic
// idempotency keys, and the pure-function usage record ids.
package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// usageNamespace is the fixed UUID namespace for deterministic usage ids.
var usageNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// DefaultIdempotencyBucket is the time bucket for idempotency keys.
const DefaultIdempotencyBucket = time.Hour

// Signer produces signatures under a single identity.
type Signer interface {
	Sign(data []byte) []byte
	PublicKey() ed25519.PublicKey
}

// Keypair is an in-memory ed25519 keypair implementing Signer.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// GenerateKeypair creates a fresh ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &Keypair{priv: priv, pub: pub}, nil
}

// LoadKeypair reads an ed25519 seed from a file, creating and persisting a
// new one when the file does not exist.
func LoadKeypair(path string) (*Keypair, error) {
	seed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		kp, genErr := GenerateKeypair()
		if genErr != nil {
			return nil, genErr
		}
		if writeErr := os.WriteFile(path, kp.priv.Seed(), 0600); writeErr != nil {
			return nil, fmt.Errorf("failed to persist key: %w", writeErr)
		}
		return kp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file %s has %d bytes, want %d", path, len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign signs data with the private key.
func (k *Keypair) Sign(data []byte) []byte {
	return ed25519.Sign(k.priv, data)
}

// PublicKey returns the public half of the keypair.
func (k *Keypair) PublicKey() ed25519.PublicKey {
	return k.pub
}

// CanonicalJSON encodes v as canonical JSON: object keys sorted
// lexicographically, no insignificant whitespace. Round-tripping canonical
// output yields identical bytes, so signatures survive re-encoding.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal: %w", err)
	}
	// Re-decode into generic values and re-encode: encoding/json writes map
	// keys in sorted order and compact form. json.Number keeps numeric
	// literals byte-stable.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to canonicalize: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("failed to encode canonical form: %w", err)
	}
	// Encoder appends a newline; canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SignCanonical signs the canonical JSON form of v and returns the
// signature base64-encoded.
func SignCanonical(s Signer, v any) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(s.Sign(data)), nil
}

// VerifyCanonical verifies a base64 signature over the canonical JSON form
// of v under the given public key.
func VerifyCanonical(pub ed25519.PublicKey, v any, signature string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	data, err := CanonicalJSON(v)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// IdempotencyKey derives the canonical idempotency key for
// (entity, action, time-bucket): hex(sha256(entityId || "/" || action ||
// "/" || floor(ts/bucket))). Two calls inside the same bucket yield the
// same key.
func IdempotencyKey(entityID, action string, ts time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultIdempotencyBucket
	}
	slot := ts.Unix() / int64(bucket/time.Second)
	sum := sha256.Sum256(fmt.Appendf(nil, "%s/%s/%d", entityID, action, slot))
	return hex.EncodeToString(sum[:])
}

// UsageID derives the deterministic UUID for a usage record from
// (resourceId, periodStart, periodEnd). It is a pure function of its
// inputs, which gives usage submission its natural idempotency.
func UsageID(resourceID string, periodStart, periodEnd time.Time) string {
	name := fmt.Sprintf("%s/%d/%d", resourceID, periodStart.UTC().UnixNano(), periodEnd.UTC().UnixNano())
	return uuid.NewSHA1(usageNamespace, []byte(name)).String()
}

// EventID derives the stable id of a chain event from its transaction hash,
// raw type, and attribute index.
func EventID(txHash, rawType string, attributeIndex int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s/%s/%d", txHash, rawType, attributeIndex))
	return hex.EncodeToString(sum[:])
}
