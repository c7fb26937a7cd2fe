package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/HerbHall/subnetgrid/internal/services"
	"github.com/HerbHall/subnetgrid/internal/store"
	"github.com/HerbHall/subnetgrid/pkg/models"
)

func seedDataDir(t *testing.T) (string, string) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx, "scan", services.ScanMigrations); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	repo := services.NewSQLiteScanRepository(st.DB())
	scan := &models.ScanResult{Subnet: "10.0.0", Status: "running"}
	if err := repo.Create(ctx, scan); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cfg := filepath.Join(dir, "subnetgrid.yaml")
	if err := os.WriteFile(cfg, []byte("backend:\n  url: http://10.0.0.2:8000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir, scan.ID
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dataDir, scanID := seedDataDir(t)
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")

	if err := Backup(ctx, dataDir, filepath.Join(dataDir, "subnetgrid.yaml"), archive); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	target := filepath.Join(t.TempDir(), "restored")
	if err := Restore(ctx, archive, target, false); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if _, err := os.Stat(filepath.Join(target, "subnetgrid.yaml")); err != nil {
		t.Errorf("config not restored: %v", err)
	}

	st, err := store.Open(target)
	if err != nil {
		t.Fatalf("open restored store: %v", err)
	}
	defer st.Close()
	got, err := services.NewSQLiteScanRepository(st.DB()).Get(ctx, scanID)
	if err != nil {
		t.Fatalf("Get restored scan: %v", err)
	}
	if got.Subnet != "10.0.0" {
		t.Errorf("restored subnet = %q, want 10.0.0", got.Subnet)
	}
}

func TestBackupMissingDatabase(t *testing.T) {
	out := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := Backup(context.Background(), t.TempDir(), "", out); err == nil {
		t.Fatal("expected error for missing database")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("no archive should be written when the database is missing")
	}
}

func TestRestoreRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	dataDir, _ := seedDataDir(t)
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := Backup(ctx, dataDir, "", archive); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	target := t.TempDir()
	if err := os.WriteFile(filepath.Join(target, DBFile), []byte("existing"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := Restore(ctx, archive, target, false)
	if !errors.Is(err, ErrExists) {
		t.Fatalf("Restore without force error = %v, want ErrExists", err)
	}
	data, _ := os.ReadFile(filepath.Join(target, DBFile))
	if string(data) != "existing" {
		t.Error("existing database was modified")
	}

	if err := Restore(ctx, archive, target, true); err != nil {
		t.Fatalf("Restore with force: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(target, DBFile))
	if string(data) == "existing" {
		t.Error("force restore did not replace the database")
	}
}

func TestRestoreRejectsNonArchive(t *testing.T) {
	bogus := filepath.Join(t.TempDir(), "bogus.tar.gz")
	if err := os.WriteFile(bogus, []byte("not gzip"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Restore(context.Background(), bogus, t.TempDir(), false); err == nil {
		t.Fatal("expected error for invalid archive")
	}
}
