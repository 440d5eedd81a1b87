package security

import (
	"strings"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptRoundTrip(t *testing.T) {
	e, err := NewEncryptor([]byte("any length secret"), nil)
	require.NoError(t, err)

	a, err := e.Encrypt("hello")
	require.NoError(t, err)
	b, err := e.Encrypt("hello")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a, sealedPrefix))
	assert.NotEqual(t, a, b, "nonce is random")

	plain, err := e.Decrypt(a)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)

	other, err := NewEncryptor([]byte("another secret"), nil)
	require.NoError(t, err)
	_, err = other.Decrypt(a)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = e.Decrypt("v1:not-base64!")
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = NewEncryptor(nil, nil)
	assert.Error(t, err)
}

func TestDecryptLegacyFernet(t *testing.T) {
	var k fernet.Key
	require.NoError(t, k.Generate())
	legacy, err := fernet.EncryptAndSign([]byte("old message"), &k)
	require.NoError(t, err)

	e, err := NewEncryptor([]byte("current"), []string{k.Encode()})
	require.NoError(t, err)
	plain, err := e.Decrypt(string(legacy))
	require.NoError(t, err)
	assert.Equal(t, "old message", plain)

	noLegacy, err := NewEncryptor([]byte("current"), nil)
	require.NoError(t, err)
	_, err = noLegacy.Decrypt(string(legacy))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestTokenKinds(t *testing.T) {
	ts := NewTokenService("secret", time.Minute, time.Hour)
	pair, err := ts.Issue(42, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)

	claims, err := ts.Parse(pair.AccessToken, AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "alice", claims.Subject)

	_, err = ts.Parse(pair.AccessToken, RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = ts.Parse(pair.RefreshToken, AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = NewTokenService("other", time.Minute, time.Hour).Parse(pair.AccessToken, AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenExpiry(t *testing.T) {
	ts := NewTokenService("secret", time.Minute, time.Hour)
	start := time.Now()
	ts.now = func() time.Time { return start }
	pair, err := ts.Issue(1, "bob")
	require.NoError(t, err)

	ts.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, err = ts.Parse(pair.AccessToken, AccessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = ts.Parse(pair.RefreshToken, RefreshToken)
	assert.NoError(t, err)
}

func TestPasswordHasher(t *testing.T) {
	h := NewPasswordHasher(4)
	hashed, err := h.Hash("Password1!")
	require.NoError(t, err)
	assert.NoError(t, h.Verify("Password1!", hashed))
	assert.ErrorIs(t, h.Verify("password1!", hashed), ErrPasswordMismatch)
}
