package chain

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// Address is the 32-byte account identifier used by the chain.
type Address [32]byte

var ZeroAddress Address

func (a Address) String() string { return base58.Encode(a[:]) }

func (a Address) IsZero() bool { return a == ZeroAddress }

// Short returns the first few characters, for debug logs.
func (a Address) Short() string {
	s := a.String()
	if len(s) > 4 {
		return s[:4]
	}
	return s
}

func ParseAddress(s string) (Address, error) {
	var a Address
	b := base58.Decode(s)
	if len(b) != 32 {
		// accept hex as a fallback for fixtures
		hb, err := hex.DecodeString(s)
		if err != nil || len(hb) != 32 {
			return a, fmt.Errorf("invalid address %q", s)
		}
		b = hb
	}
	copy(a[:], b)
	return a, nil
}

func MustAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}
