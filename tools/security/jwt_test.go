package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateVerifyRoundtrip(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))

	token, exp, err := Generate(opts, Claims{
		UserID:   "u1",
		DeviceID: "d1",
		Scopes:   []string{"chat"},
	})
	require.NoError(t, err)
	require.True(t, exp.After(time.Now()))

	claims, err := Verify(opts, token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, "d1", claims.DeviceID)
	require.Equal(t, []string{"chat"}, claims.Scopes)
	require.WithinDuration(t, exp, claims.Expires, time.Second)
}

func TestVerifyWrongSecret(t *testing.T) {
	token, _, err := Generate(DefaultOptions([]byte("right")), Claims{UserID: "u1"})
	require.NoError(t, err)

	_, err = Verify(DefaultOptions([]byte("wrong")), token)
	require.Error(t, err)
}

func TestVerifyGarbage(t *testing.T) {
	_, err := Verify(DefaultOptions([]byte("s")), "not.a.token")
	require.Error(t, err)
}

func TestGenerateNeedsUser(t *testing.T) {
	_, _, err := Generate(DefaultOptions([]byte("s")), Claims{})
	require.Error(t, err)
}

func TestUnsupportedAlg(t *testing.T) {
	opts := DefaultOptions([]byte("s"))
	opts.Alg = "RS256"
	_, _, err := Generate(opts, Claims{UserID: "u1"})
	require.Error(t, err)
}
