package token

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/sendonce/sendonce/internal/domain"
	"github.com/sendonce/sendonce/internal/store/sqlite"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New([]byte(testSecret), store)
}

func TestMintRedeemRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	signed, minted, err := svc.Mint(ctx, "docs/report.pdf", "a1b2c3d4", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if signed == "" {
		t.Fatal("expected a compact token string")
	}

	rec, err := svc.Redeem(ctx, signed)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != minted.ID {
		t.Fatalf("token id = %q, want %q", rec.ID, minted.ID)
	}
	if rec.FilePath != "docs/report.pdf" || rec.TunnelID != "a1b2c3d4" {
		t.Fatalf("binding = (%q, %q)", rec.FilePath, rec.TunnelID)
	}
	if rec.ConsumedAt == nil {
		t.Fatal("redeem should mark the token consumed")
	}
}

func TestRedeemIsSingleUse(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	signed, _, err := svc.Mint(ctx, "a.txt", "a1b2c3d4", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Redeem(ctx, signed); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Redeem(ctx, signed); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("replay: expected ErrTokenInvalid, got %v", err)
	}
}

func TestRedeemRejectsTamperedToken(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	signed, _, err := svc.Mint(ctx, "a.txt", "a1b2c3d4", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	tampered := signed[:len(signed)-2] + "xx"
	if _, err := svc.Redeem(ctx, tampered); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestRedeemRejectsForeignSignature(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"jti":  "forged-id",
		"tid":  "a1b2c3d4",
		"path": "a.txt",
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("another-secret-another-secret-xx"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Redeem(ctx, forged); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestRedeemRejectsUnsignedAlgorithm(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"jti":  "unsigned-id",
		"tid":  "a1b2c3d4",
		"path": "a.txt",
		"exp":  time.Now().Add(time.Minute).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Redeem(ctx, unsigned); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestRedeemExpiredToken(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	issued := time.Now().Add(-time.Hour)
	svc.now = func() time.Time { return issued }
	signed, _, err := svc.Mint(ctx, "a.txt", "a1b2c3d4", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	svc.now = time.Now
	if _, err := svc.Redeem(ctx, signed); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	signed, minted, err := svc.Mint(ctx, "docs/report.pdf", "a1b2c3d4", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := svc.Peek(ctx, signed)
	if err != nil {
		t.Fatal(err)
	}
	if claims.TokenID != minted.ID || claims.FilePath != "docs/report.pdf" || claims.TunnelID != "a1b2c3d4" {
		t.Fatalf("claims = %+v", claims)
	}

	if _, err := svc.Redeem(ctx, signed); err != nil {
		t.Fatalf("token should still redeem after a peek: %v", err)
	}
	if _, err := svc.Peek(ctx, signed); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("peek after redeem: expected ErrTokenInvalid, got %v", err)
	}
}
