package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/HerbHall/subnetgrid/internal/services"
	"github.com/HerbHall/subnetgrid/internal/testutil"
)

func newSettingsRepo(t *testing.T) services.SettingsRepository {
	t.Helper()
	repo, err := services.NewSQLiteSettingsRepository(context.Background(), testutil.NewStore(t))
	if err != nil {
		t.Fatalf("NewSQLiteSettingsRepository: %v", err)
	}
	return repo
}

func TestSQLiteSettingsRepository_SetAndGet(t *testing.T) {
	repo := newSettingsRepo(t)
	ctx := context.Background()

	if err := repo.Set(ctx, "grid.subnet", "192.168.1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s, err := repo.Get(ctx, "grid.subnet")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Value != "192.168.1" {
		t.Errorf("Value = %q, want %q", s.Value, "192.168.1")
	}
	if s.UpdatedAt.IsZero() {
		t.Error("UpdatedAt is zero")
	}
}

func TestSQLiteSettingsRepository_SetReplaces(t *testing.T) {
	repo := newSettingsRepo(t)
	ctx := context.Background()

	for _, v := range []string{"10.0.0", "10.0.1"} {
		if err := repo.Set(ctx, "grid.subnet", v); err != nil {
			t.Fatalf("Set(%q): %v", v, err)
		}
	}
	s, err := repo.Get(ctx, "grid.subnet")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Value != "10.0.1" {
		t.Errorf("Value = %q, want %q", s.Value, "10.0.1")
	}
}

func TestSQLiteSettingsRepository_Missing(t *testing.T) {
	repo := newSettingsRepo(t)
	ctx := context.Background()

	if _, err := repo.Get(ctx, "nope"); !errors.Is(err, services.ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
	if err := repo.Delete(ctx, "nope"); !errors.Is(err, services.ErrNotFound) {
		t.Errorf("Delete error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteSettingsRepository_Delete(t *testing.T) {
	repo := newSettingsRepo(t)
	ctx := context.Background()

	if err := repo.Set(ctx, "grid.subnet", "10.0.0"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := repo.Delete(ctx, "grid.subnet"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(ctx, "grid.subnet"); !errors.Is(err, services.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}
