package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sendonce/sendonce/internal/domain"
)

func BenchmarkConsumeToken(b *testing.B) {
	store, err := Open(b.TempDir() + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < b.N; i++ {
		tok := domain.Token{
			ID:        fmt.Sprintf("tok-%d", i),
			FilePath:  "bench.bin",
			TunnelID:  "a1b2c3d4",
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		}
		if err := store.CreateToken(ctx, tok); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.ConsumeToken(ctx, fmt.Sprintf("tok-%d", i), now); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAddTunnelActivity(b *testing.B) {
	store, err := Open(b.TempDir() + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	rec := domain.Tunnel{
		ID:        "a1b2c3d4",
		FilePath:  "bench.bin",
		FileName:  "bench.bin",
		FileSize:  1 << 40,
		Status:    domain.StatusProvisioning,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if _, err := store.CreateTunnel(ctx, rec); err != nil {
		b.Fatal(err)
	}
	if _, err := store.ActivateTunnel(ctx, "a1b2c3d4", "h", "u"); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		at := now.Add(time.Duration(i) * time.Millisecond)
		if _, err := store.AddTunnelActivity(ctx, "a1b2c3d4", 4096, at, "req-bench"); err != nil {
			b.Fatal(err)
		}
	}
}
