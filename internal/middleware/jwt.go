package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Claims identifies the caller of the admin/operator HTTP surface.
type Claims struct {
	OperatorID string `json:"operator_id"`
	Role       string `json:"role"`

	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
}

const (
	issuer   = "shuttlecore"
	audience = "shuttlecore-api"
)

var jwtSecret []byte

func init() {
	secretEnv := os.Getenv("JWT_SECRET")
	switch {
	case secretEnv == "":
		log.Printf("WARNING: JWT_SECRET not set, using an insecure default for local dev only")
		jwtSecret = []byte("insecure_default_secret_for_dev_mode_only_32by")
	case len(secretEnv) < 32:
		panic("JWT_SECRET must be at least 32 characters long")
	default:
		jwtSecret = []byte(secretEnv)
	}
}

// GenerateToken issues a signed, 24h token for the given operator and role.
func GenerateToken(operatorID, role string) (string, error) {
	now := time.Now().Unix()
	claims := Claims{
		OperatorID: operatorID,
		Role:       role,
		Issuer:     issuer,
		Audience:   audience,
		ExpiresAt:  now + 86400,
		IssuedAt:   now,
		NotBefore:  now,
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	tokenPart := base64UrlEncode(headerJSON) + "." + base64UrlEncode(claimsJSON)
	return tokenPart + "." + computeHMAC(tokenPart, jwtSecret), nil
}

// ValidateToken parses and verifies a bearer token, returning its claims.
func ValidateToken(tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}

	tokenPart := parts[0] + "." + parts[1]
	if computeHMAC(tokenPart, jwtSecret) != parts[2] {
		return nil, errors.New("invalid signature")
	}

	claimsJSON, err := base64UrlDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode claims: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claims: %w", err)
	}

	now := time.Now().Unix()
	if now > claims.ExpiresAt {
		return nil, errors.New("token expired")
	}
	if claims.Issuer != issuer || claims.Audience != audience {
		return nil, errors.New("invalid issuer or audience")
	}
	return &claims, nil
}

func computeHMAC(message string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return base64UrlEncode(h.Sum(nil))
}

func base64UrlEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64UrlDecode(data string) ([]byte, error) {
	if r := len(data) % 4; r > 0 {
		data += strings.Repeat("=", 4-r)
	}
	return base64.URLEncoding.DecodeString(data)
}
