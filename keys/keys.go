// Package keys manages the broker's token-signing key pairs: generation,
// rotation, retention of retired keys, and publication of the public set.
package keys

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Algorithm is the signature scheme used for identity tokens. It is
// configurable but fixed for the lifetime of a process.
type Algorithm string

const (
	AlgEdDSA Algorithm = "EdDSA"
	AlgRS256 Algorithm = "RS256"
)

// ParseAlgorithm validates a configured algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgEdDSA:
		return AlgEdDSA, nil
	case AlgRS256:
		return AlgRS256, nil
	}
	return "", fmt.Errorf("unsupported signing algorithm %q", s)
}

// State tracks a key through its lifecycle. Keys move current → previous
// strictly in that order; a key past its retention window is purged from
// the set rather than stored in an expired state.
type State string

const (
	// StateCurrent marks the key used for new signatures.
	StateCurrent State = "current"
	// StatePrevious marks a key retired from signing but kept so tokens
	// issued under it remain verifiable until they expire.
	StatePrevious State = "previous"
)

// SigningKey is one asymmetric key pair. The private key is stored as
// PKCS#8 PEM so the record round-trips through any Store backend.
type SigningKey struct {
	KeyID         string    `json:"key_id"`
	Algorithm     Algorithm `json:"algorithm"`
	State         State     `json:"state"`
	PrivateKeyPEM []byte    `json:"private_key_pem"`
	CreatedAt     time.Time `json:"created_at"`
	RetiredAt     time.Time `json:"retired_at,omitzero"`
}

const rsaKeyBits = 2048

// Generate creates a new key pair in the current state.
func Generate(alg Algorithm, now time.Time) (SigningKey, error) {
	var priv crypto.Signer
	var err error
	switch alg {
	case AlgEdDSA:
		_, priv, err = ed25519.GenerateKey(rand.Reader)
	case AlgRS256:
		priv, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	default:
		return SigningKey{}, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	if err != nil {
		return SigningKey{}, fmt.Errorf("generating %s key: %w", alg, err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return SigningKey{}, fmt.Errorf("encoding private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	return SigningKey{
		KeyID:         uuid.NewString(),
		Algorithm:     alg,
		State:         StateCurrent,
		PrivateKeyPEM: pemBytes,
		CreatedAt:     now.UTC(),
	}, nil
}

// Signer parses the stored private key material.
func (k SigningKey) Signer() (crypto.Signer, error) {
	block, _ := pem.Decode(k.PrivateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("key %s: no PEM block in private key material", k.KeyID)
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("key %s: parsing private key: %w", k.KeyID, err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key %s: private key does not implement crypto.Signer", k.KeyID)
	}
	return signer, nil
}

// JWK is a published verification key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWK returns the public half of the key in JWK form.
func (k SigningKey) JWK() (JWK, error) {
	signer, err := k.Signer()
	if err != nil {
		return JWK{}, err
	}
	jwk := JWK{Use: "sig", Alg: string(k.Algorithm), Kid: k.KeyID}
	switch pub := signer.Public().(type) {
	case ed25519.PublicKey:
		jwk.Kty = "OKP"
		jwk.Crv = "Ed25519"
		jwk.X = base64.RawURLEncoding.EncodeToString(pub)
	case *rsa.PublicKey:
		jwk.Kty = "RSA"
		jwk.N = base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
		jwk.E = base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	default:
		return JWK{}, fmt.Errorf("key %s: unsupported public key type %T", k.KeyID, pub)
	}
	return jwk, nil
}

// KeySet is the full ordered set of live keys, persisted as one record so
// every broker process sharing a Store converges on the same set.
type KeySet struct {
	Keys      []SigningKey `json:"keys"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Current returns the key in the current state, if any.
func (s KeySet) Current() (SigningKey, bool) {
	for _, k := range s.Keys {
		if k.State == StateCurrent {
			return k, true
		}
	}
	return SigningKey{}, false
}
