package gateway

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveSessionKeyDeterministic(t *testing.T) {
	secret := []byte("shared-agreement-secret-material")
	salt := []byte("0123456789abcdef")

	k1, err := DeriveSessionKey(secret, salt)
	require.NoError(t, err)
	k2, err := DeriveSessionKey(secret, salt)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.Len(t, k1, sessionKeyLen)
}

func TestDeriveSessionKeySaltMatters(t *testing.T) {
	secret := []byte("shared-agreement-secret-material")

	k1, err := DeriveSessionKey(secret, []byte("salt-aaaaaaaaaaa"))
	require.NoError(t, err)
	k2, err := DeriveSessionKey(secret, []byte("salt-bbbbbbbbbbb"))
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)
}

func TestDeriveSessionKeyEmptySecret(t *testing.T) {
	_, err := DeriveSessionKey(nil, []byte("salt"))
	require.Error(t, err)
}

func TestSealOpenRoundtrip(t *testing.T) {
	key, err := DeriveSessionKey([]byte("secret"), []byte("salt"))
	require.NoError(t, err)
	sess, err := NewEncryptionSession(key, []byte("salt"))
	require.NoError(t, err)

	plain := []byte(`{"kind":"chat","body":"hello"}`)
	sealed, err := sess.Seal(plain)
	require.NoError(t, err)
	require.NotEqual(t, plain, sealed)

	got, err := sess.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestOpenRejectsTamper(t *testing.T) {
	key, _ := DeriveSessionKey([]byte("secret"), []byte("salt"))
	sess, err := NewEncryptionSession(key, []byte("salt"))
	require.NoError(t, err)

	sealed, err := sess.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01

	_, err = sess.Open(sealed)
	require.Error(t, err)

	_, err = sess.Open([]byte("short"))
	require.Error(t, err)
}

// 双方各自走一遍协商，派生出的会话密钥必须一致。
func TestDefaultHandshakeBothSidesAgree(t *testing.T) {
	curve := ecdh.X25519()
	clientPriv, err := curve.GenerateKey(rand.Reader)
	require.NoError(t, err)

	hs, err := DefaultHandshake(context.Background(), clientPriv.PublicKey().Bytes())
	require.NoError(t, err)
	require.NotNil(t, hs.Session)
	require.Len(t, hs.Salt, saltLen)

	// 客户端侧：用服务端公钥份额 + 返回的盐重新派生
	serverPub, err := curve.NewPublicKey(hs.ServerPublicKey)
	require.NoError(t, err)
	secret, err := clientPriv.ECDH(serverPub)
	require.NoError(t, err)
	clientKey, err := DeriveSessionKey(secret, hs.Salt)
	require.NoError(t, err)
	require.Equal(t, hs.Session.Key, clientKey)

	// 客户端密钥能解开服务端封的包
	clientSess, err := NewEncryptionSession(clientKey, hs.Salt)
	require.NoError(t, err)
	sealed, err := hs.Session.Seal([]byte("cross-check"))
	require.NoError(t, err)
	got, err := clientSess.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("cross-check"), got)
}

func TestDefaultHandshakeBadClientKey(t *testing.T) {
	_, err := DefaultHandshake(context.Background(), []byte("not-a-key"))
	require.Error(t, err)
}

// 每次握手生成独立的盐与密钥，同一个客户端份额也不例外。
func TestDefaultHandshakeFreshSaltPerSession(t *testing.T) {
	curve := ecdh.X25519()
	clientPriv, err := curve.GenerateKey(rand.Reader)
	require.NoError(t, err)

	hs1, err := DefaultHandshake(context.Background(), clientPriv.PublicKey().Bytes())
	require.NoError(t, err)
	hs2, err := DefaultHandshake(context.Background(), clientPriv.PublicKey().Bytes())
	require.NoError(t, err)

	require.NotEqual(t, hs1.Salt, hs2.Salt)
	require.NotEqual(t, hs1.Session.Key, hs2.Session.Key)
}
