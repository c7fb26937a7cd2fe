// Package backup archives the local SubnetGrid database (scan log and
// traffic history) and its config file as tar.gz, and restores them.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/HerbHall/subnetgrid/internal/store"
)

// DBFile is the database file name inside the data directory and the
// archive.
const DBFile = store.DBFileName

// ErrExists is returned by Restore when a target file exists and force is
// not set.
var ErrExists = errors.New("file already exists")

// Backup writes dataDir/subnetgrid.db and, when configPath names an
// existing file, the config into a tar.gz at outputPath. The WAL is
// checkpointed first so the copied database file is complete.
func Backup(ctx context.Context, dataDir, configPath, outputPath string) (err error) {
	dbPath := filepath.Join(dataDir, DBFile)
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database file not found: %w", err)
	}

	if err := checkpointWAL(ctx, dataDir); err != nil {
		return fmt.Errorf("WAL checkpoint failed: %w", err)
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer func() {
		if cerr := outFile.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(outputPath)
		}
	}()

	gw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gw)

	if err := addFileToTar(tw, dbPath, DBFile); err != nil {
		return fmt.Errorf("adding database to archive: %w", err)
	}
	if configPath != "" {
		if _, statErr := os.Stat(configPath); statErr == nil {
			if err := addFileToTar(tw, configPath, filepath.Base(configPath)); err != nil {
				return fmt.Errorf("adding config to archive: %w", err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return gw.Close()
}

// Restore extracts the archive at inputPath into dataDir. Existing files are
// only replaced when force is set. Entries that would escape dataDir are
// rejected.
func Restore(_ context.Context, inputPath, dataDir string, force bool) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer in.Close()

	gr, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}
	defer gr.Close()

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	tr := tar.NewReader(gr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Clean(hdr.Name)
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return fmt.Errorf("archive entry %q escapes the data directory", hdr.Name)
		}
		target := filepath.Join(dataDir, name)

		if !force {
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s: %w (use --force to overwrite)", target, ErrExists)
			}
		}
		if err := extractFile(tr, target); err != nil {
			return fmt.Errorf("restoring %s: %w", name, err)
		}
		restored++
	}

	if restored == 0 {
		return fmt.Errorf("archive %s contains no files", inputPath)
	}
	// Stale WAL files would be replayed over the restored database.
	if force {
		os.Remove(filepath.Join(dataDir, DBFile+"-wal"))
		os.Remove(filepath.Join(dataDir, DBFile+"-shm"))
	}
	return nil
}

func extractFile(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".restore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// checkpointWAL flushes the WAL of the database in dataDir.
func checkpointWAL(ctx context.Context, dataDir string) error {
	db, err := store.Open(dataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Checkpoint(ctx)
}

// addFileToTar adds a single file to the tar archive under the given name.
func addFileToTar(tw *tar.Writer, filePath, archiveName string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = archiveName

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	_, err = io.Copy(tw, f)
	return err
}
