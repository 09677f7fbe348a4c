package encryption

import (
	"strings"
	"testing"

	"github.com/brizzai/task-mcp/internal/auth/autherr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-test-secret-test-secret-0001"

func newTestCipher(t *testing.T) *TokenCipher {
	t.Helper()
	c, err := New(testSecret)
	require.NoError(t, err)
	return c
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, autherr.ErrConfiguration)

	_, err = New("short")
	assert.ErrorIs(t, err, autherr.ErrConfiguration)
}

func TestRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	tokens := []string{
		"ya29.a0AfH6SMBx",
		"1//0gLx-refresh-token",
		"x",
		strings.Repeat("long-token-", 500),
		"ünïcødé-tøken-✓",
	}
	for _, tok := range tokens {
		ct, err := c.Encrypt(tok)
		require.NoError(t, err)
		assert.NotContains(t, string(ct), tok)

		pt, err := c.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, tok, pt)
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	c := newTestCipher(t)

	a, err := c.Encrypt("same-token")
	require.NoError(t, err)
	b, err := c.Encrypt("same-token")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncrypt_Empty(t *testing.T) {
	c := newTestCipher(t)

	_, err := c.Encrypt("")
	assert.ErrorIs(t, err, autherr.ErrValidation)
}

func TestDecrypt_DetectsEverySingleByteFlip(t *testing.T) {
	c := newTestCipher(t)

	ct, err := c.Encrypt("access-token-value")
	require.NoError(t, err)

	for i := range ct {
		tampered := append([]byte(nil), ct...)
		tampered[i] ^= 0x01

		pt, err := c.Decrypt(tampered)
		require.Error(t, err, "flip at byte %d must not decrypt", i)
		assert.ErrorIs(t, err, autherr.ErrDecryption)
		assert.Empty(t, pt)
	}
}

func TestDecrypt_Malformed(t *testing.T) {
	c := newTestCipher(t)

	ct, err := c.Encrypt("token")
	require.NoError(t, err)

	tests := map[string][]byte{
		"nil":       nil,
		"empty":     {},
		"truncated": ct[:len(ct)-1],
		"header":    ct[:13],
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decrypt(input)
			assert.ErrorIs(t, err, autherr.ErrDecryption)
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	c := newTestCipher(t)
	other, err := New("another-secret-another-secret-another-0002")
	require.NoError(t, err)

	ct, err := c.Encrypt("token")
	require.NoError(t, err)

	_, err = other.Decrypt(ct)
	assert.ErrorIs(t, err, autherr.ErrDecryption)
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(k), MinSecretLength)

	_, err = New(k)
	assert.NoError(t, err)
}
