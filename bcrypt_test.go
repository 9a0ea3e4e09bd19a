package accounts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashPassword(t *testing.T) {
	PasswordHashCost = bcrypt.MinCost

	tests := []struct {
		name     string
		password string
		wantErr  error
	}{
		{name: "regular password", password: "Passw0rd!"},
		{name: "unicode password", password: "contraseña-segura"},
		{name: "empty password", password: "", wantErr: ErrNoEmptyString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPassword(tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, hash)
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, tt.password, hash)
			assert.NoError(t, ComparePasswordAndHash(tt.password, hash))
		})
	}
}

func TestComparePasswordAndHash_Mismatch(t *testing.T) {
	PasswordHashCost = bcrypt.MinCost
	hash, err := HashPassword("Passw0rd!")
	require.NoError(t, err)

	err = ComparePasswordAndHash("passw0rd!", hash)
	assert.ErrorIs(t, err, ErrMismatchedHashAndPassword)
	assert.Equal(t, TextCodeInvalidCredentials, TextCode(err))

	assert.Error(t, ComparePasswordAndHash("Passw0rd!", "not-a-hash"))
}

func TestGenerateTemporaryPassword(t *testing.T) {
	for _, length := range []int{0, 8, 16, 32} {
		pw, err := GenerateTemporaryPassword(length)
		require.NoError(t, err)

		want := length
		if want < 8 {
			want = 8
		}
		assert.Len(t, pw, want)
		assert.True(t, strings.ContainsAny(pw, lowerChars), "lower in %q", pw)
		assert.True(t, strings.ContainsAny(pw, upperChars), "upper in %q", pw)
		assert.True(t, strings.ContainsAny(pw, digitChars), "digit in %q", pw)
		assert.True(t, strings.ContainsAny(pw, symbolChars), "symbol in %q", pw)
	}
}

func TestNewOpaqueToken(t *testing.T) {
	raw, hash, err := NewOpaqueToken()
	require.NoError(t, err)

	assert.Len(t, raw, 43)
	assert.Len(t, hash, 64)
	assert.Equal(t, hash, HashOpaqueToken(raw))

	other, _, err := NewOpaqueToken()
	require.NoError(t, err)
	assert.NotEqual(t, raw, other)
}
