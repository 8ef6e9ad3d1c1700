package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCMRoundTrip(t *testing.T) {
	c, err := NewAESGCM("test-secret", "k1")
	require.NoError(t, err)

	ct, err := c.Encrypt("4111111111111111")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ct, "k1:"))
	assert.NotContains(t, ct, "4111111111111111")

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "4111111111111111", pt)
}

func TestAESGCMRandomNonce(t *testing.T) {
	c, err := NewAESGCM("test-secret", "k1")
	require.NoError(t, err)

	a, err := c.Encrypt("123")
	require.NoError(t, err)
	b, err := c.Encrypt("123")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESGCMRejectsTampering(t *testing.T) {
	c, err := NewAESGCM("test-secret", "k1")
	require.NoError(t, err)
	ct, err := c.Encrypt("123")
	require.NoError(t, err)

	other, err := NewAESGCM("another-secret", "k1")
	require.NoError(t, err)
	_, err = other.Decrypt(ct)
	assert.Error(t, err)

	rotated, err := NewAESGCM("test-secret", "k2")
	require.NoError(t, err)
	_, err = rotated.Decrypt(ct)
	assert.Error(t, err)

	_, err = c.Decrypt("k1:not-base64!")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)

	_, err = c.Decrypt("no-separator")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestNewAESGCMValidation(t *testing.T) {
	_, err := NewAESGCM("", "k1")
	assert.Error(t, err)
	_, err = NewAESGCM("secret", "bad:id")
	assert.Error(t, err)
}
