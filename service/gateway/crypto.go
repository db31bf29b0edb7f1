package gateway

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	errors "PGateway/tools/errs"

	"golang.org/x/crypto/hkdf"
)

const (
	sessionKeyLen = 32
	saltLen       = 16
	hkdfInfo      = "gateway-session-v1"
)

// DeriveSessionKey 用 HKDF-SHA256 从共享密钥加盐派生会话密钥。
// 两端必须使用相同的 salt，派生结果才会一致。
func DeriveSessionKey(secret, salt []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty agreement secret")
	}
	r := hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo))
	key := make([]byte, sessionKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.WrapMsg(err, "hkdf expand")
	}
	return key, nil
}

// EncryptionSession 单连接的对称加密会话。Key 由密钥协商派生，
// 只被所属 ClientRecord 持有，绝不跨连接共享。
type EncryptionSession struct {
	Key  []byte
	Salt []byte
	aead cipher.AEAD
}

func NewEncryptionSession(key, salt []byte) (*EncryptionSession, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WrapMsg(err, "aes cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.WrapMsg(err, "aes-gcm")
	}
	return &EncryptionSession{Key: key, Salt: salt, aead: aead}, nil
}

// Seal 加密出站负载，nonce 前置。
func (s *EncryptionSession) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.WrapMsg(err, "nonce")
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open 解密入站负载（nonce 前置格式）。
func (s *EncryptionSession) Open(blob []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(blob) < ns {
		return nil, errors.New("ciphertext too short")
	}
	plain, err := s.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return nil, errors.WrapMsg(err, "gcm open")
	}
	return plain, nil
}

// HandshakeResult 服务端握手输出：回给客户端的公钥份额与盐，
// 以及派生完成的会话。
type HandshakeResult struct {
	ServerPublicKey []byte
	Salt            []byte
	Session         *EncryptionSession
}

func (h *HandshakeResult) ServerPublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(h.ServerPublicKey)
}

func (h *HandshakeResult) SaltB64() string {
	return base64.StdEncoding.EncodeToString(h.Salt)
}

// HandshakeFunc 外部注入的握手函数：输入客户端公钥份额，输出服务端份额与盐。
// 默认实现 DefaultHandshake 用 X25519 + HKDF；部署方可以换成托管 KMS 版本。
type HandshakeFunc func(ctx context.Context, clientPublicKey []byte) (*HandshakeResult, error)

// DefaultHandshake 每连接生成临时 X25519 密钥对并派生会话密钥。
func DefaultHandshake(_ context.Context, clientPublicKey []byte) (*HandshakeResult, error) {
	curve := ecdh.X25519()

	peer, err := curve.NewPublicKey(clientPublicKey)
	if err != nil {
		return nil, errors.WrapMsg(err, "client public key")
	}
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.WrapMsg(err, "ephemeral key")
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, errors.WrapMsg(err, "key agreement")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.WrapMsg(err, "salt")
	}

	key, err := DeriveSessionKey(secret, salt)
	if err != nil {
		return nil, err
	}
	session, err := NewEncryptionSession(key, salt)
	if err != nil {
		return nil, err
	}
	return &HandshakeResult{
		ServerPublicKey: priv.PublicKey().Bytes(),
		Salt:            salt,
		Session:         session,
	}, nil
}
