package leader

import (
	"context"
	"os"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/sandboxd/internal/storage"
)

func TestSingleLeader(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := storage.Connect(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	const key = 90421
	a := New(pool, key, zaptest.NewLogger(t))
	b := New(pool, key, zaptest.NewLogger(t))
	defer a.Resign(ctx)
	defer b.Resign(ctx)

	if !a.Allow(ctx) {
		t.Fatal("first elector did not win")
	}
	if b.Allow(ctx) {
		t.Fatal("second elector won while lock held")
	}
	if !a.Allow(ctx) {
		t.Fatal("leader lost the lock between ticks")
	}

	if err := a.Resign(ctx); err != nil {
		t.Fatal(err)
	}
	if a.conn != nil {
		t.Fatal("still holding the lock connection after resign")
	}
	if !b.Allow(ctx) {
		t.Fatal("second elector did not take over")
	}
}
