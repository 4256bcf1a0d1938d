package crypto

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the different types of human-readable address prefixes.
type AddressPrefix string

const (
	// EscrowPrefix is the human-readable part used for every principal.
	EscrowPrefix AddressPrefix = "esc"

	addressLength = 20
)

// Address represents a 20-byte principal with a human-readable prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != addressLength {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}
}

// FromRaw wraps a raw principal identifier with the default prefix.
func FromRaw(raw [20]byte) Address {
	return NewAddress(EscrowPrefix, raw[:])
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Raw returns the fixed-size principal identifier.
func (a Address) Raw() [20]byte {
	var out [20]byte
	copy(out[:], a.bytes)
	return out
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != addressLength {
		return Address{}, fmt.Errorf("address must decode to %d bytes, got %d", addressLength, len(conv))
	}
	if AddressPrefix(prefix) != EscrowPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// ParsePrincipal decodes a bech32 string straight into a raw identifier.
func ParsePrincipal(addrStr string) ([20]byte, error) {
	addr, err := DecodeAddress(addrStr)
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Raw(), nil
}

// DeriveAddress returns the principal whose bytes are the last 20 bytes of
// keccak256(label). Used for module accounts such as the escrow vault and for
// deterministic development identities.
func DeriveAddress(label string) [20]byte {
	hash := crypto.Keccak256([]byte(label))
	var out [20]byte
	copy(out[:], hash[len(hash)-addressLength:])
	return out
}
