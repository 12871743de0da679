package referral

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeAlphabet(t *testing.T) {
	assert.Len(t, codeAlphabet, 31)
	for _, c := range "01ilo" {
		assert.NotContains(t, codeAlphabet, string(c))
	}
}

func TestDeriveCode(t *testing.T) {
	userID := uuid.New()
	seed := []byte("0123456789abcdef")

	code := deriveCode(seed, userID)
	assert.True(t, ValidCode(code), "code %q", code)
	assert.Equal(t, code, deriveCode(seed, userID), "derivation is deterministic")
	assert.NotEqual(t, code, deriveCode(seed, uuid.New()))
	assert.NotEqual(t, code, deriveCode([]byte("fedcba9876543210"), userID))
}

func TestValidCode(t *testing.T) {
	assert.True(t, ValidCode("abcd2345"))
	assert.False(t, ValidCode("ABCD2345"), "codes are compared normalized")
	assert.False(t, ValidCode("abcd234"))
	assert.False(t, ValidCode("abcd23456"))
	assert.False(t, ValidCode("abcd234o"))
	assert.False(t, ValidCode(""))
}

func TestValidateCode_Normalizes(t *testing.T) {
	code, err := validateCode("  ABCD2345\n")
	require.NoError(t, err)
	assert.Equal(t, "abcd2345", code)

	_, err = validateCode("abcd-234")
	assert.ErrorIs(t, err, ErrInvalidCodeFormat)
}

func TestAddressHasher(t *testing.T) {
	h, err := NewAddressHasher("address-secret-for-tests")
	require.NoError(t, err)

	a := h.Hash("203.0.113.9")
	assert.Len(t, a, 64)
	assert.Equal(t, a, h.Hash(" 203.0.113.9:8080 "))
	assert.NotEqual(t, a, h.Hash("203.0.113.10"))
	assert.Equal(t, h.Hash("2001:db8::1"), h.Hash("[2001:0db8:0:0::1]:443"))
	assert.NotContains(t, a, "203")

	other, err := NewAddressHasher("a-different-secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, other.Hash("203.0.113.9"))

	_, err = NewAddressHasher("")
	assert.Error(t, err)
	_, err = NewAddressHasher(strings.Repeat("k", 65))
	assert.Error(t, err)
}

func TestRejectedError(t *testing.T) {
	abuse := &RejectedError{Reason: ReasonAddressCooldown}
	assert.True(t, errors.Is(abuse, ErrReferralAbuse))
	assert.Contains(t, abuse.Error(), ReasonAddressCooldown)

	other := &RejectedError{Reason: ReasonSelfReferral}
	assert.False(t, errors.Is(other, ErrReferralAbuse))
}
