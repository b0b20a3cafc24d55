package rpc

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures bearer-token validation for the mutating RPC
// surface (transaction submission). Read endpoints never require a token.
type JWTConfig struct {
	Enabled  bool
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

type jwtVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

func newJWTVerifier(cfg JWTConfig) (*jwtVerifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("rpc: jwt secret required when JWT is enabled")
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &jwtVerifier{
		secret:   []byte(cfg.Secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   leeway,
	}, nil
}

func (v *jwtVerifier) verify(token string) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("rpc: token invalid")
	}
	return claims, nil
}

type contextKey string

const subjectContextKey contextKey = "rpc_jwt_subject"

// requireAuth wraps a handler so it only runs for requests bearing a valid
// JWT. When no verifier is configured (JWT disabled), requests pass through
// unauthenticated — suitable only for trusted/local deployments.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.jwt == nil {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			writeErrorMessage(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.jwt.verify(token)
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "invalid bearer token: "+err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), subjectContextKey, claims.Subject)
		next(w, r.WithContext(ctx))
	}
}
