package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	sealed, err := c.Encrypt("api-key-material-12345")
	require.NoError(t, err)
	assert.NotEqual(t, "api-key-material-12345", sealed)

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "api-key-material-12345", plain)
}

func TestCipher_EmptyCiphertext(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	plain, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestCipher_WrongKeyFails(t *testing.T) {
	a, err := NewCipher("key-a")
	require.NoError(t, err)
	b, err := NewCipher("key-b")
	require.NoError(t, err)

	sealed, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	require.Error(t, err)
}

func TestCipher_EmptyKeyRejected(t *testing.T) {
	_, err := NewCipher("")
	require.Error(t, err)
}

func TestCipher_NoncesDiffer(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	a, err := c.Encrypt("same-plaintext")
	require.NoError(t, err)
	b, err := c.Encrypt("same-plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "GCM nonce must randomize ciphertext")
}
