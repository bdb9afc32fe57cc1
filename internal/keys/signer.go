package keys

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	neokeys "github.com/nspcc-dev/neo-go/pkg/crypto/keys"
)

// PrivateKey is a holder's signing key. Only clients and tests hold these;
// the ledger itself never does.
type PrivateKey interface {
	Public() PublicKey
	// Sign signs a message hash.
	Sign(hash []byte) ([]byte, error)
	// String returns "scheme:hex" suitable for ParsePrivateKey.
	String() string
}

// GenerateKey creates a new random key for scheme.
func GenerateKey(scheme Scheme) (PrivateKey, error) {
	switch scheme {
	case SchemeEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		return ed25519Private{key: priv}, nil
	case SchemeSecp256r1:
		priv, err := neokeys.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate secp256r1 key: %w", err)
		}
		return neoPrivate{key: priv}, nil
	default:
		return nil, fmt.Errorf("unknown scheme %q", scheme)
	}
}

// ParsePrivateKey decodes a "scheme:hex" private key.
func ParsePrivateKey(raw string) (PrivateKey, error) {
	scheme, encoded, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return nil, fmt.Errorf("private key must be formatted as scheme:hex")
	}
	b, err := hex.DecodeString(strings.TrimPrefix(encoded, "0x"))
	if err != nil {
		return nil, fmt.Errorf("private key must be hex: %w", err)
	}

	switch Scheme(scheme) {
	case SchemeEd25519:
		if len(b) != ed25519.SeedSize {
			return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(b))
		}
		return ed25519Private{key: ed25519.NewKeyFromSeed(b)}, nil
	case SchemeSecp256r1:
		priv, err := neokeys.NewPrivateKeyFromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("decode secp256r1 key: %w", err)
		}
		return neoPrivate{key: priv}, nil
	default:
		return nil, fmt.Errorf("unknown scheme %q", scheme)
	}
}

type ed25519Private struct {
	key ed25519.PrivateKey
}

func (k ed25519Private) Public() PublicKey {
	return ed25519Key(k.key.Public().(ed25519.PublicKey))
}

func (k ed25519Private) Sign(hash []byte) ([]byte, error) {
	if len(hash) == 0 {
		return nil, fmt.Errorf("hash is required")
	}
	return ed25519.Sign(k.key, hash), nil
}

func (k ed25519Private) String() string {
	return string(SchemeEd25519) + ":" + hex.EncodeToString(k.key.Seed())
}

type neoPrivate struct {
	key *neokeys.PrivateKey
}

func (k neoPrivate) Public() PublicKey {
	return neoKey{pk: k.key.PublicKey()}
}

func (k neoPrivate) Sign(hash []byte) ([]byte, error) {
	return signHashP256(rand.Reader, &k.key.PrivateKey, hash)
}

func (k neoPrivate) String() string {
	return string(SchemeSecp256r1) + ":" + hex.EncodeToString(k.key.Bytes())
}

// signHashP256 produces a 64-byte r||s signature, the encoding Neo N3 uses.
func signHashP256(randReader io.Reader, privateKey *ecdsa.PrivateKey, hash []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("privateKey is required")
	}
	if randReader == nil {
		randReader = rand.Reader
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("hash is required")
	}

	r, s, err := ecdsa.Sign(randReader, privateKey, hash)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	signature := make([]byte, SignatureSize)
	r.FillBytes(signature[:32])
	s.FillBytes(signature[32:])
	return signature, nil
}
