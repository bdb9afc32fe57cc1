// Package metatx builds the canonical byte encoding of a signed ledger
// instruction and the hash that account holders sign.
//
// Layout (big-endian):
//
//	magic     [4]  "MTX1"
//	purpose   [1]  0x01 trade instruction, 0x02 withdrawal
//	direction [1]  0x00 increase, 0x01 decrease
//	amount    [8]  uint64
//	expiry    [8]  int64 unix seconds
//	domainLen [2]  uint16
//	domain    [n]  domain identifier bytes
//	counter   [8]  uint64
package metatx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Version identifies the encoding layout.
const Version = "MTX1"

// MaxDomainIDLength bounds the domain separator.
const MaxDomainIDLength = 255

// HashSize is the size of the signed digest.
const HashSize = blake2b.Size256

var (
	ErrEmptyDomain      = errors.New("domain id is empty")
	ErrDomainTooLong    = errors.New("domain id too long")
	ErrInvalidDirection = errors.New("invalid direction")
	ErrInvalidPurpose   = errors.New("invalid purpose")
)

// Direction is the intended balance effect of an instruction.
type Direction uint8

const (
	// Increase credits the holder's committed balance ("buy").
	Increase Direction = 0
	// Decrease debits the holder's committed balance ("sell").
	Decrease Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Increase:
		return "increase"
	case Decrease:
		return "decrease"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Increase || d == Decrease
}

// ParseDirection accepts "increase"/"buy" and "decrease"/"sell".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "increase", "buy":
		return Increase, nil
	case "decrease", "sell":
		return Decrease, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, ErrInvalidDirection
	}
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	parsed, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Purpose scopes a signature to one entry point.
type Purpose uint8

const (
	PurposeTrade    Purpose = 0x01
	PurposeWithdraw Purpose = 0x02
)

func (p Purpose) String() string {
	switch p {
	case PurposeTrade:
		return "trade"
	case PurposeWithdraw:
		return "withdraw"
	default:
		return fmt.Sprintf("purpose(%d)", uint8(p))
	}
}

// Message holds the signed fields of an instruction.
type Message struct {
	Purpose   Purpose
	Direction Direction
	Amount    uint64
	Expiry    time.Time
	DomainID  string
	Counter   uint64
}

// Encode returns the canonical bytes of m.
func (m Message) Encode() ([]byte, error) {
	if m.Purpose != PurposeTrade && m.Purpose != PurposeWithdraw {
		return nil, ErrInvalidPurpose
	}
	if !m.Direction.Valid() {
		return nil, ErrInvalidDirection
	}
	if m.DomainID == "" {
		return nil, ErrEmptyDomain
	}
	if len(m.DomainID) > MaxDomainIDLength {
		return nil, ErrDomainTooLong
	}

	buf := make([]byte, 0, 4+1+1+8+8+2+len(m.DomainID)+8)
	buf = append(buf, Version...)
	buf = append(buf, byte(m.Purpose), byte(m.Direction))
	buf = binary.BigEndian.AppendUint64(buf, m.Amount)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.Expiry.Unix()))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.DomainID)))
	buf = append(buf, m.DomainID...)
	buf = binary.BigEndian.AppendUint64(buf, m.Counter)
	return buf, nil
}

// Hash returns the blake2b-256 digest of the canonical encoding. This is the
// value holders sign.
func (m Message) Hash() ([]byte, error) {
	encoded, err := m.Encode()
	if err != nil {
		return nil, err
	}
	sum := blake2b.Sum256(encoded)
	return sum[:], nil
}
