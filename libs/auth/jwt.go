package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims identify the caller of the booking API. ProviderID scopes provider staff tokens to
// one provider; customers carry an empty ProviderID.
type Claims struct {
	Sub        string `json:"sub"`
	ProviderID string `json:"provider_id,omitempty"`
	Role       string `json:"role"`
	Exp        int64  `json:"exp"`
	Iat        int64  `json:"iat"`
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid,omitempty"`
}

// Verifier checks HS256 tokens against a shared secret and RS256 tokens against a JWKS
// endpoint. Either source may be absent.
type Verifier struct {
	secret string
	jwks   *JWKSClient
	now    func() time.Time
}

func NewVerifier(secret string, jwks *JWKSClient) *Verifier {
	return &Verifier{secret: secret, jwks: jwks, now: time.Now}
}

func (v *Verifier) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	var h header
	if err := decodeSegment(parts[0], &h); err != nil {
		return nil, ErrInvalidToken
	}

	unsigned := parts[0] + "." + parts[1]
	switch h.Alg {
	case "HS256":
		if v.secret == "" {
			return nil, ErrInvalidToken
		}
		if !hmac.Equal([]byte(parts[2]), []byte(hmacSHA256(unsigned, v.secret))) {
			return nil, ErrInvalidToken
		}
	case "RS256":
		if v.jwks == nil || h.Kid == "" {
			return nil, ErrInvalidToken
		}
		key, err := v.jwks.Get(h.Kid)
		if err != nil {
			return nil, ErrInvalidToken
		}
		if err := verifyRS256(unsigned, parts[2], key); err != nil {
			return nil, ErrInvalidToken
		}
	default:
		return nil, ErrInvalidToken
	}

	var claims Claims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Exp > 0 && v.now().Unix() > claims.Exp {
		return nil, ErrInvalidToken
	}
	if claims.Sub == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// SignHS256 mints a token for tests and local tooling.
func SignHS256(claims Claims, secret string) (string, error) {
	headerJSON, err := json.Marshal(header{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	unsigned := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	return unsigned + "." + hmacSHA256(unsigned, secret), nil
}

func decodeSegment(seg string, dst any) error {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func hmacSHA256(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func verifyRS256(unsigned, signature string, key *rsa.PublicKey) error {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return err
	}
	hash := sha256.Sum256([]byte(unsigned))
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, hash[:], sig)
}
