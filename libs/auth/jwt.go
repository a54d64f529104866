package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const linkIssuer = "scheduling-service"

// Claims carried by claimant booking links. Subject identifies the claimant and CaseRef
// the application the claimant is booking for.
type Claims struct {
	CaseRef string `json:"case_ref"`
	jwt.RegisteredClaims
}

// BookingLinkSigner issues and verifies HS256 booking-link tokens.
type BookingLinkSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewBookingLinkSigner(secret string, ttl time.Duration) *BookingLinkSigner {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &BookingLinkSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *BookingLinkSigner) Issue(subjectRef, caseRef string) (string, error) {
	if strings.TrimSpace(subjectRef) == "" {
		return "", errors.New("booking link subject is required")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		CaseRef: caseRef,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    linkIssuer,
			Subject:   subjectRef,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	return token.SignedString(s.secret)
}

// Verify checks signature, issuer and expiry. Every failure collapses to
// ErrInvalidToken so callers cannot tell a forged link from an expired one.
func (s *BookingLinkSigner) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(linkIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
