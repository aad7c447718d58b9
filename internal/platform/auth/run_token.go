package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const runTokenPrefix = "rk_run_v1"

var (
	ErrRunTokenInvalid = errors.New("run token is invalid")
	ErrRunTokenExpired = errors.New("run token is expired")
)

// RunTokenClaims bind a token to one execution until its credential expires.
type RunTokenClaims struct {
	ExecutionID   string `json:"execution_id"`
	IssuedAtUnix  int64  `json:"iat"`
	ExpiresAtUnix int64  `json:"exp"`
}

func RunTokenSubject(executionID string) string {
	return "execution:" + strings.TrimSpace(executionID)
}

func GenerateRunToken(secret string, claims RunTokenClaims, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("secret is required")
	}
	claims.ExecutionID = strings.TrimSpace(claims.ExecutionID)
	if claims.ExecutionID == "" {
		return "", errors.New("execution_id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.IssuedAtUnix == 0 {
		claims.IssuedAtUnix = now.UTC().Unix()
	}
	if claims.ExpiresAtUnix == 0 {
		return "", errors.New("exp is required")
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return "", errors.New("exp must be in the future")
	}

	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)
	return strings.Join([]string{runTokenPrefix, payloadB64, runTokenSignature(secret, payloadB64)}, "."), nil
}

func VerifyRunToken(secret string, token string, now time.Time) (RunTokenClaims, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return RunTokenClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[0] != runTokenPrefix || parts[1] == "" || parts[2] == "" {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}

	expected, err := base64.RawURLEncoding.DecodeString(runTokenSignature(secret, parts[1]))
	if err != nil {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}
	got, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(expected, got) {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}
	var claims RunTokenClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}
	claims.ExecutionID = strings.TrimSpace(claims.ExecutionID)
	if claims.ExecutionID == "" || claims.ExpiresAtUnix == 0 {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return RunTokenClaims{}, ErrRunTokenExpired
	}
	return claims, nil
}

func runTokenSignature(secret string, payloadB64 string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("rangekeeper-run-token-v1\n"))
	mac.Write([]byte(payloadB64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// RunTokenAuthenticator accepts run tokens and defers every other bearer
// token to Next.
type RunTokenAuthenticator struct {
	Secret string
	Next   Authenticator
	Now    func() time.Time
}

func (a RunTokenAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if token := tokenFromHeader(r); strings.HasPrefix(token, runTokenPrefix+".") {
		now := time.Now().UTC()
		if a.Now != nil {
			now = a.Now().UTC()
		}
		claims, err := VerifyRunToken(a.Secret, token, now)
		if err != nil {
			return Identity{}, ErrUnauthenticated
		}
		return Identity{
			Subject:     RunTokenSubject(claims.ExecutionID),
			Roles:       []string{RoleWorkload},
			ExecutionID: claims.ExecutionID,
		}, nil
	}
	if a.Next == nil {
		return Identity{}, ErrUnauthenticated
	}
	return a.Next.Authenticate(ctx, r)
}
