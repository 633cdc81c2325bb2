package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"curio/internal/config"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

type Service struct {
	Config config.Config
	Now    func() time.Time
}

func NewService(cfg config.Config) *Service {
	return &Service{
		Config: cfg,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// AuthenticateRequest resolves the caller to a principal: a bearer JWT for
// end users, or the bootstrap API key for operational calls.
func (s *Service) AuthenticateRequest(r *http.Request) (Principal, error) {
	if bootstrap := strings.TrimSpace(s.Config.Security.APIKey); bootstrap != "" {
		if strings.TrimSpace(r.Header.Get("X-API-Key")) == bootstrap {
			return Principal{AuthMethod: "bootstrap_key"}, nil
		}
	}
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return s.VerifyJWT(r.Context(), authHeader)
	}
	return Principal{}, ErrUnauthorized
}

func (s *Service) VerifyJWT(ctx context.Context, authHeader string) (Principal, error) {
	headerParts := strings.Fields(authHeader)
	if len(headerParts) != 2 || !strings.EqualFold(headerParts[0], "Bearer") {
		return Principal{}, ErrUnauthorized
	}
	rawToken := strings.TrimSpace(headerParts[1])

	signingKey := []byte(s.Config.Security.TokenSigningKey)
	if len(signingKey) == 0 {
		return Principal{}, fmt.Errorf("%w: token signing key not configured", ErrUnauthorized)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(s.Now),
	}
	if iss := strings.TrimSpace(s.Config.Auth.Issuer); iss != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(iss))
	}
	if aud := strings.TrimSpace(s.Config.Auth.Audience); aud != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		return signingKey, nil
	}, parserOpts...)
	if err != nil || !token.Valid {
		return Principal{}, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	email, _ := claims["email"].(string)

	return Principal{
		UserID:     strings.TrimSpace(sub),
		Email:      strings.TrimSpace(email),
		AuthMethod: "jwt",
	}, nil
}
