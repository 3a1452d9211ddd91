// Package hosttoken issues and validates the HS256 tokens the host boundary
// uses to assert a caller's account and signing key.
package hosttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	dErrors "didregistry/pkg/domain-errors"
)

// Claims carries the authenticated signer. SigningKey is the base58 form of
// the raw key bytes (type tag byte included).
type Claims struct {
	AccountID  string `json:"account_id"`
	SigningKey string `json:"signing_key"`
	jwt.RegisteredClaims
}

// Identity is the decoded caller identity of a validated token.
type Identity struct {
	AccountID  string
	SigningKey []byte
	TokenID    string
}

// Service handles host token creation and validation.
type Service struct {
	signingKey []byte
	issuer     string
	audience   string
	now        func() time.Time
}

func NewService(signingKey string, issuer string, audience string) *Service {
	return &Service{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
		now:        time.Now,
	}
}

// Issue mints a token for accountID signed with the service secret.
func (s *Service) Issue(accountID string, signingKey []byte, expiresIn time.Duration) (string, error) {
	if accountID == "" {
		return "", dErrors.New(dErrors.CodeValidation, "account id is required")
	}
	if len(signingKey) == 0 {
		return "", dErrors.New(dErrors.CodeValidation, "signing key is required")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		AccountID:  accountID,
		SigningKey: base58.Encode(signingKey),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Audience:  []string{s.audience},
			ID:        uuid.NewString(),
		},
	})

	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign host token")
	}
	return signed, nil
}

// Validate parses tokenString and returns the caller identity it asserts.
func (s *Service) Validate(tokenString string) (*Identity, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	if claims.AccountID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has no account id")
	}
	key, err := base58.Decode(claims.SigningKey)
	if err != nil || len(key) == 0 {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has no valid signing key")
	}

	return &Identity{
		AccountID:  claims.AccountID,
		SigningKey: key,
		TokenID:    claims.ID,
	}, nil
}
