// Package auth issues and checks HS256 tokens for admin access and for the
// simulated-login cookies sent with unused CSS requests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AudienceAdmin      = "ccssgen-admin"
	AudienceSimulation = "ccssgen-simulation"
	AudiencePageView   = "ccssgen-pageview"
)

// Claims are the token claims; Subject names the admin or simulated user.
// Role is only set on page-view identity tokens.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Signer struct {
	secret []byte
	nowFn  func() time.Time
}

func NewSigner(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth secret cannot be empty")
	}
	return &Signer{secret: []byte(secret), nowFn: time.Now}, nil
}

// Issue signs a token for subject, valid for ttl and the given audience.
func (s *Signer) Issue(subject, audience string, ttl time.Duration) (string, error) {
	return s.sign(subject, "", audience, ttl)
}

// IssueIdentity signs a page-view token vouching for a logged-in user and role.
func (s *Signer) IssueIdentity(userID, role string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id cannot be empty")
	}
	return s.sign(userID, role, AudiencePageView, ttl)
}

// VerifyIdentity checks a page-view identity token and returns its user and role.
func (s *Signer) VerifyIdentity(tokenString string) (userID, role string, err error) {
	claims, err := s.Verify(tokenString, AudiencePageView)
	if err != nil {
		return "", "", err
	}
	if claims.Subject == "" {
		return "", "", errors.New("identity token has no subject")
	}
	return claims.Subject, claims.Role, nil
}

func (s *Signer) sign(subject, role, audience string, ttl time.Duration) (string, error) {
	now := s.nowFn()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and audience and returns the claims.
func (s *Signer) Verify(tokenString, audience string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("token string is empty")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithAudience(audience), jwt.WithTimeFunc(s.nowFn))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("token expired: %w", err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("invalid token signature: %w", err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("malformed token: %w", err)
		}
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

type contextKey string

const subjectKey contextKey = "subject"

// Middleware rejects requests without a valid admin bearer token.
func Middleware(s *Signer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.Fields(r.Header.Get("Authorization"))
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := s.Verify(parts[1], AudienceAdmin)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject returns the authenticated admin subject of the request.
func Subject(r *http.Request) (string, bool) {
	sub, ok := r.Context().Value(subjectKey).(string)
	return sub, ok
}
