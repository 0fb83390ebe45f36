package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestKey(t *testing.T) {
	t.Helper()
	require.NoError(t, InitEncryption([]byte("0123456789abcdef0123456789abcdef")))
}

func TestInitEncryptionRejectsBadKeyLength(t *testing.T) {
	assert.Error(t, InitEncryption([]byte("too short")))
	assert.Error(t, InitEncryption(nil))
	assert.NoError(t, InitEncryption(make([]byte, 32)))
}

func TestEncryptedStringRoundTrip(t *testing.T) {
	initTestKey(t)

	original := EncryptedString("argon2id-hash-or-token-value")
	stored, err := original.Value()
	require.NoError(t, err)

	cipherText, ok := stored.(string)
	require.True(t, ok)
	assert.NotEqual(t, string(original), cipherText, "stored form is not plaintext")

	var decoded EncryptedString
	require.NoError(t, decoded.Scan(cipherText))
	assert.Equal(t, original, decoded)
}

func TestEncryptedStringEmptyPassesThrough(t *testing.T) {
	initTestKey(t)

	stored, err := EncryptedString("").Value()
	require.NoError(t, err)
	assert.Equal(t, "", stored)

	var decoded EncryptedString
	require.NoError(t, decoded.Scan(""))
	assert.Equal(t, EncryptedString(""), decoded)

	require.NoError(t, decoded.Scan(nil))
	assert.Equal(t, EncryptedString(""), decoded)
}

func TestEncryptedStringFreshNoncePerWrite(t *testing.T) {
	initTestKey(t)

	a, err := EncryptedString("same value").Value()
	require.NoError(t, err)
	b, err := EncryptedString("same value").Value()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptedStringScanRejectsTampering(t *testing.T) {
	initTestKey(t)

	stored, err := EncryptedString("secret").Value()
	require.NoError(t, err)
	cipherText := stored.(string)

	var decoded EncryptedString
	assert.Error(t, decoded.Scan("not base64!!"))
	assert.Error(t, decoded.Scan(cipherText[:8]))
}
