package security

import (
	"fmt"
	"strings"
	"time"

	errs "PGateway/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// 示例凭证的签发与校验。生产部署注入自己的 VerifyFunc 对接账号服务，
// 这里覆盖开发与联调场景。

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Claims 网关关心的声明子集。
type Claims struct {
	UserID   string
	DeviceID string
	Scopes   []string
	Expires  time.Time
}

// Generate 给 userID 签发令牌，返回令牌与过期时间。
func Generate(opts Options, c Claims) (string, time.Time, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	if c.UserID == "" {
		return "", time.Time{}, errs.New("userID empty")
	}

	now := time.Now()
	exp := now.Add(opts.TTL)
	mc := jwtlib.MapClaims{
		"sub": c.UserID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	if c.DeviceID != "" {
		mc["did"] = c.DeviceID
	}
	if len(c.Scopes) > 0 {
		mc["scope"] = c.Scopes
	}

	signed, err := jwtlib.NewWithClaims(method, mc).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, errs.Wrap(err)
	}
	return signed, exp, nil
}

// Verify 校验令牌并抽出网关需要的声明。
func Verify(opts Options, token string) (*Claims, error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// 仅允许 HMAC 家族
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "parse token")
	}
	if !parsed.Valid {
		return nil, errs.New("invalid token")
	}
	mc, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errs.New("claims type mismatch")
	}

	out := &Claims{}
	out.UserID, _ = mc.GetSubject()
	if out.UserID == "" {
		return nil, errs.New("sub claim missing")
	}
	if did, ok := mc["did"].(string); ok {
		out.DeviceID = did
	}
	if raw, ok := mc["scope"].([]any); ok {
		for _, s := range raw {
			if sv, ok := s.(string); ok {
				out.Scopes = append(out.Scopes, sv)
			}
		}
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.Expires = exp.Time
	}
	return out, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
