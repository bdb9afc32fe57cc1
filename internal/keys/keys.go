// Package keys verifies account-holder signatures and derives account
// addresses from public keys.
//
// Two schemes are supported, selected by public key encoding:
//   - ed25519 (32-byte key): addresses are tz1 base58check strings over the
//     blake2b-160 digest of the key.
//   - secp256r1 (33-byte compressed or 65-byte uncompressed key): Neo N3
//     addresses derived from the key's verification script hash.
//
// Verification is pure. Malformed input never verifies.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/elliptic"
	"errors"
	"fmt"
	"strings"

	neokeys "github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/encoding/base58"
	"golang.org/x/crypto/blake2b"
)

// Scheme names a signature scheme.
type Scheme string

const (
	SchemeEd25519   Scheme = "ed25519"
	SchemeSecp256r1 Scheme = "secp256r1"
)

// SignatureSize is the size of a detached signature for both schemes.
const SignatureSize = 64

var (
	ErrUnsupportedKey = errors.New("unsupported public key encoding")
	ErrInvalidAddress = errors.New("invalid account address")
)

// tz1Prefix is the base58check version prefix of ed25519 implicit accounts.
var tz1Prefix = []byte{6, 161, 159}

// PublicKey is a holder's verification key.
type PublicKey interface {
	Scheme() Scheme
	Bytes() []byte
	// Address derives the account identifier controlled by this key.
	Address() string
	// Verify reports whether sig is a valid signature of hash.
	Verify(sig, hash []byte) bool
}

// ParsePublicKey decodes a public key, selecting the scheme by length.
func ParsePublicKey(b []byte) (PublicKey, error) {
	switch len(b) {
	case ed25519.PublicKeySize:
		return ed25519Key(bytes.Clone(b)), nil
	case 33, 65:
		pk, err := neokeys.NewPublicKeyFromBytes(b, elliptic.P256())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		return neoKey{pk: pk}, nil
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrUnsupportedKey, len(b))
	}
}

// Verify checks sig over hash with the encoded public key pub. Any decoding
// failure yields false.
func Verify(pub, sig, hash []byte) bool {
	pk, err := ParsePublicKey(pub)
	if err != nil {
		return false
	}
	return pk.Verify(sig, hash)
}

// DeriveAddress returns the account address controlled by pub.
func DeriveAddress(pub []byte) (string, error) {
	pk, err := ParsePublicKey(pub)
	if err != nil {
		return "", err
	}
	return pk.Address(), nil
}

// ValidateAddress checks that addr is a well-formed tz1 or Neo N3 address.
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ErrInvalidAddress
	}
	if strings.HasPrefix(addr, "tz1") {
		raw, err := base58.CheckDecode(addr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		if len(raw) != len(tz1Prefix)+20 || !bytes.HasPrefix(raw, tz1Prefix) {
			return ErrInvalidAddress
		}
		return nil
	}
	if _, err := address.StringToUint160(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return nil
}

type ed25519Key []byte

func (k ed25519Key) Scheme() Scheme { return SchemeEd25519 }

func (k ed25519Key) Bytes() []byte { return bytes.Clone(k) }

func (k ed25519Key) Address() string {
	h, _ := blake2b.New(20, nil)
	h.Write(k)
	return base58.CheckEncode(append(bytes.Clone(tz1Prefix), h.Sum(nil)...))
}

func (k ed25519Key) Verify(sig, hash []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(k), hash, sig)
}

type neoKey struct {
	pk *neokeys.PublicKey
}

func (k neoKey) Scheme() Scheme { return SchemeSecp256r1 }

func (k neoKey) Bytes() []byte { return k.pk.Bytes() }

func (k neoKey) Address() string { return k.pk.Address() }

func (k neoKey) Verify(sig, hash []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return k.pk.Verify(sig, hash)
}
