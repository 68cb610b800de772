package sessions

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	var hash, err = HashPassword("s3cret")
	require.NoError(t, err)

	require.True(t, VerifyPassword("s3cret", hash))
	require.False(t, VerifyPassword("wrong", hash))
	require.False(t, VerifyPassword("", hash))
}

func TestPasswordHashesAreSalted(t *testing.T) {
	var a, _ = HashPassword("same password")
	var b, _ = HashPassword("same password")
	require.NotEqual(t, a, b)
	require.True(t, VerifyPassword("same password", a))
	require.True(t, VerifyPassword("same password", b))
}

func TestPasswordHashShape(t *testing.T) {
	var hash, _ = HashPassword("x")
	var raw, err = base64.StdEncoding.DecodeString(hash)
	require.NoError(t, err)
	// 8-byte salt followed by the SHA-256-sized digest.
	require.Len(t, raw, 8+32)
}

func TestLegacySHA1Verification(t *testing.T) {
	var salt = []byte{1, 2, 3, 4, 5, 6, 7, 8}
	var legacy = EncodeLegacyHash("old password", salt)

	require.True(t, VerifyPassword("old password", legacy))
	require.False(t, VerifyPassword("new password", legacy))
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	require.False(t, VerifyPassword("x", "not base64!!"))
	require.False(t, VerifyPassword("x", base64.StdEncoding.EncodeToString([]byte("short"))))
	require.False(t, VerifyPassword("x", "SALT_%%%"))
	require.False(t, VerifyPassword("x", ""))
}
