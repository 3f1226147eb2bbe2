// Package token mints and redeems the signed single-use capability tokens
// that gate download-intent requests. A token is an HS256 JWT whose claims
// bind it to one staged file and one tunnel; redemption consumes the token
// in the state store so replays fail even when the signature still checks.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/sendonce/sendonce/internal/domain"
	"github.com/sendonce/sendonce/internal/store/sqlite"
)

// Service signs, verifies, and consumes capability tokens.
type Service struct {
	secret []byte
	store  *sqlite.Store
	now    func() time.Time
}

// New returns a Service signing with the given shared secret and persisting
// token state in store.
func New(secret []byte, store *sqlite.Store) *Service {
	return &Service{secret: secret, store: store, now: time.Now}
}

// Mint issues a token for filePath bound to tunnelID, valid for ttl. It
// returns the compact signed form alongside the persisted record.
func (s *Service) Mint(ctx context.Context, filePath, tunnelID string, ttl time.Duration) (string, domain.Token, error) {
	now := s.now().UTC()
	rec := domain.Token{
		ID:        uuid.NewString(),
		FilePath:  filePath,
		TunnelID:  tunnelID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"jti":  rec.ID,
		"tid":  rec.TunnelID,
		"path": rec.FilePath,
		"iat":  rec.IssuedAt.Unix(),
		"exp":  rec.ExpiresAt.Unix(),
	}).SignedString(s.secret)
	if err != nil {
		return "", domain.Token{}, fmt.Errorf("sign token: %w", err)
	}
	if err := s.store.CreateToken(ctx, rec); err != nil {
		return "", domain.Token{}, err
	}
	return signed, rec, nil
}

// Peek verifies the signature and expiry and returns the claims without
// consuming the token. Unused tokens stay redeemable after a Peek.
func (s *Service) Peek(ctx context.Context, tokenString string) (domain.TokenClaims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return domain.TokenClaims{}, err
	}
	rec, err := s.store.GetToken(ctx, claims.TokenID)
	if err != nil {
		return domain.TokenClaims{}, err
	}
	if rec.ConsumedAt != nil {
		return domain.TokenClaims{}, domain.ErrTokenInvalid
	}
	return claims, nil
}

// Redeem verifies tokenString and atomically marks it consumed. Exactly one
// Redeem per token succeeds; replays, expired tokens, forged signatures, and
// tokens unknown to the store all fail with ErrTokenInvalid.
func (s *Service) Redeem(ctx context.Context, tokenString string) (domain.Token, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return domain.Token{}, err
	}
	rec, err := s.store.ConsumeToken(ctx, claims.TokenID, s.now().UTC())
	if err != nil {
		return domain.Token{}, err
	}
	// Claims must match what was minted; a mismatch means the store row was
	// issued for a different token with a colliding ID.
	if rec.FilePath != claims.FilePath || rec.TunnelID != claims.TunnelID {
		return domain.Token{}, domain.ErrTokenInvalid
	}
	return rec, nil
}

// parse checks the signature and standard claims. jwt.Parse rejects expired
// tokens via the exp claim, so callers never see stale claims.
func (s *Service) parse(tokenString string) (domain.TokenClaims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return domain.TokenClaims{}, domain.ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return domain.TokenClaims{}, domain.ErrTokenInvalid
	}

	var out domain.TokenClaims
	out.TokenID, _ = claims["jti"].(string)
	out.TunnelID, _ = claims["tid"].(string)
	out.FilePath, _ = claims["path"].(string)
	if out.TokenID == "" || out.TunnelID == "" || out.FilePath == "" {
		return domain.TokenClaims{}, domain.ErrTokenInvalid
	}
	if iat, ok := claims["iat"].(float64); ok {
		out.IssuedAt = time.Unix(int64(iat), 0).UTC()
	}
	if exp, ok := claims["exp"].(float64); ok {
		out.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	return out, nil
}
