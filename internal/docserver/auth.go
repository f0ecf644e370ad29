package docserver

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "edusync-devserver"

// authMiddleware accepts a bearer JWT or an X-Api-Key header.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-Api-Key"); key != "" {
			if len(s.apiKeys) > 0 && !s.apiKeys[key] {
				writeError(w, http.StatusUnauthorized, "invalid_api_key")
				return
			}

			next.ServeHTTP(w, r)

			return
		}

		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		if err := s.validateToken(token); err != nil {
			s.logger.Debug("rejected bearer token")
			writeError(w, http.StatusUnauthorized, "invalid_token")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) validateToken(raw string) error {
	claims := &jwt.RegisteredClaims{}

	if len(s.jwtSecret) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
			return err
		}

		if claims.ExpiresAt != nil && !s.nowFunc().Before(claims.ExpiresAt.Time) {
			return errors.New("token expired")
		}

		return nil
	}

	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}

		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.nowFunc))
	if err != nil {
		return err
	}

	if !token.Valid {
		return errors.New("invalid token")
	}

	return nil
}

// IssueToken signs an HS256 token for subject valid for ttl. With no
// secret configured a fixed development key is used; such a server does
// not verify signatures anyway.
func (s *Server) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := s.nowFunc()

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})

	key := s.jwtSecret
	if len(key) == 0 {
		key = []byte(issuer)
	}

	signed, err := t.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("docserver: signing token: %w", err)
	}

	return signed, nil
}
