package referral

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// AddressHasher turns network addresses into keyed digests so cooldowns can
// be enforced without storing raw addresses.
type AddressHasher struct {
	key []byte
}

func NewAddressHasher(secret string) (*AddressHasher, error) {
	key := []byte(secret)
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, fmt.Errorf("address secret must be 1-%d bytes, got %d", blake2b.Size, len(key))
	}
	return &AddressHasher{key: key}, nil
}

// Hash returns the hex BLAKE2b-256 of the canonical address. Ports and
// surrounding whitespace are ignored so the same client hashes the same way.
func (h *AddressHasher) Hash(addr string) string {
	d, err := blake2b.New256(h.key)
	if err != nil {
		// Key length is checked in NewAddressHasher.
		panic(err)
	}
	d.Write([]byte(canonicalAddr(addr)))
	return hex.EncodeToString(d.Sum(nil))
}

func canonicalAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return strings.ToLower(addr)
}
