package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/g960059/autoclick/internal/db"
	"github.com/g960059/autoclick/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "autoclick-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedTarget creates an active target whose trigger text is its name.
func SeedTarget(t *testing.T, store *db.Store, ctx context.Context, name string) model.Target {
	t.Helper()
	target, err := store.CreateTarget(ctx, model.Target{
		Name:                name,
		TriggerText:         name,
		ConfidenceThreshold: 0.9,
		Status:              model.TargetActive,
	})
	if err != nil {
		t.Fatalf("seed target %s: %v", name, err)
	}
	return target
}

func SeedPattern(t *testing.T, store *db.Store, ctx context.Context, name string, active bool, targets ...model.Target) model.Pattern {
	t.Helper()
	ids := make([]string, 0, len(targets))
	for _, target := range targets {
		ids = append(ids, target.ID)
	}
	p, err := store.CreatePattern(ctx, model.Pattern{Name: name, IsActive: active, TargetIDs: ids})
	if err != nil {
		t.Fatalf("seed pattern %s: %v", name, err)
	}
	return p
}
