// Package owner defines wallet owner identities and the immutable owner set
// (owners plus approval threshold) that every authorization engine is built on.
package owner

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrInvalidOwner is returned for identities that normalize to nothing.
	ErrInvalidOwner = errors.New("invalid owner")
	// ErrInvalidOwnerSet is returned for empty owner lists or lists with duplicates.
	ErrInvalidOwnerSet = errors.New("invalid owner set")
	// ErrInvalidThreshold is returned when threshold is outside [1, len(owners)].
	ErrInvalidThreshold = errors.New("invalid threshold")
)

// Owner is a normalized identity. Two raw identities that differ only in case,
// surrounding white space or Unicode representation map to the same Owner.
type Owner string

var folder = cases.Fold()

// Parse normalizes a raw identity into an Owner.
func Parse(raw string) (Owner, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty identity", ErrInvalidOwner)
	}
	s = norm.NFC.String(s)
	s = folder.String(s)
	return Owner(s), nil
}

// MustParse is Parse for identities known to be valid (tests, constants).
func MustParse(raw string) Owner {
	o, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return o
}

// String returns the canonical form.
func (o Owner) String() string { return string(o) }

// IsAddress reports whether the owner is a 0x-prefixed 20-byte hex account address.
func (o Owner) IsAddress() bool {
	s := string(o)
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

// Checksum renders an address owner in EIP-55 mixed case. Non-address owners
// are returned unchanged.
func (o Owner) Checksum() string {
	if !o.IsAddress() {
		return string(o)
	}
	lower := string(o)[2:]
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	var b strings.Builder
	b.Grow(42)
	b.WriteString("0x")
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			c -= 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}
