package bizaccount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countIn(password string, chars string) int {
	n := 0
	for _, c := range password {
		if strings.ContainsRune(chars, c) {
			n++
		}
	}
	return n
}

func TestGenerateTemporaryPassword(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		password, err := generateTemporaryPassword()
		require.NoError(t, err)
		assert.Len(t, password, temporaryPasswordLength)

		assert.GreaterOrEqual(t, countIn(password, upperChars), minPerClass)
		assert.GreaterOrEqual(t, countIn(password, lowerChars), minPerClass)
		assert.GreaterOrEqual(t, countIn(password, digitChars), minPerClass)
		assert.GreaterOrEqual(t, countIn(password, symbolChars), minPerClass)

		assert.False(t, seen[password])
		seen[password] = true
	}
}

func TestResetToken(t *testing.T) {
	token, err := generateResetToken()
	require.NoError(t, err)
	assert.Len(t, token, 43)
	assert.Len(t, hashResetToken(token), 64)
	assert.Equal(t, hashResetToken(token), hashResetToken(token))
	assert.NotEqual(t, token, hashResetToken(token))
}
