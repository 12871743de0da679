package referral

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CodeLength is the length of a referral code.
const CodeLength = 8

// codeAlphabet leaves out 0, 1, i, l and o.
const codeAlphabet = "23456789abcdefghjkmnpqrstuvwxyz"

// NormalizeCode trims and lowercases a user supplied code.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// ValidCode reports whether a normalized code has the shape of a referral code.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(codeAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// deriveCode maps SHA-256(seed || userID) onto the code alphabet.
func deriveCode(seed []byte, userID uuid.UUID) string {
	h := sha256.New()
	h.Write(seed)
	h.Write(userID[:])
	sum := h.Sum(nil)

	var b strings.Builder
	b.Grow(CodeLength)
	n := uint64(len(codeAlphabet))
	for i := 0; i < CodeLength; i++ {
		// Four bytes per symbol keeps the modulo bias negligible.
		v := uint64(binary.BigEndian.Uint32(sum[i*4 : i*4+4]))
		b.WriteByte(codeAlphabet[v%n])
	}
	return b.String()
}

func validateCode(raw string) (string, error) {
	code := NormalizeCode(raw)
	if !ValidCode(code) {
		return "", fmt.Errorf("%w: want %d characters from %q", ErrInvalidCodeFormat, CodeLength, codeAlphabet)
	}
	return code, nil
}
