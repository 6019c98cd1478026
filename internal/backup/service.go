// Package backup archives the world directory into tar.gz files indexed in
// SQLite.
package backup

import (
	"archive/tar"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("backup not found")

type Backup struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	SourceDir string `json:"source_dir"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

type Service struct {
	db      *sql.DB
	dataDir string
	now     func() time.Time
}

func NewService(db *sql.DB, dataDir string) *Service {
	return &Service{db: db, dataDir: dataDir, now: time.Now}
}

// Dir returns the path where archives are stored.
func (s *Service) Dir() string {
	return filepath.Join(s.dataDir, "backups")
}

// Archive writes a tar.gz of sourceDir and records it. A partially written
// archive is removed.
func (s *Service) Archive(ctx context.Context, sourceDir string) (*Backup, error) {
	if info, err := os.Stat(sourceDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("source directory not found: %s", sourceDir)
	}
	if err := os.MkdirAll(s.Dir(), 0755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	now := s.now().UTC()
	id := uuid.New().String()[:8]
	filename := fmt.Sprintf("%s-%s-%s.tar.gz", filepath.Base(sourceDir), now.Format("20060102-150405"), id)
	path := filepath.Join(s.Dir(), filename)

	if err := createTarGz(ctx, path, sourceDir); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("create archive: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat backup: %w", err)
	}

	b := &Backup{
		ID:        id,
		Filename:  filename,
		SourceDir: sourceDir,
		SizeBytes: info.Size(),
		CreatedAt: now.Format(time.RFC3339),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO backups (id, filename, source_dir, size_bytes, created_at) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.Filename, b.SourceDir, b.SizeBytes, b.CreatedAt,
	)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("save backup record: %w", err)
	}
	log.Infof("backup: archived %s to %s (%d bytes)", sourceDir, filename, b.SizeBytes)
	return b, nil
}

// PruneOlderThan deletes archives created more than retention ago and
// returns how many were removed. A zero retention keeps everything.
func (s *Service) PruneOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-retention).Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM backups WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	pruned := 0
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return pruned, fmt.Errorf("prune %s: %w", id, err)
		}
		pruned++
	}
	if pruned > 0 {
		log.Infof("backup: pruned %d archives older than %s", pruned, retention)
	}
	return pruned, nil
}

// List returns all backups, newest first.
func (s *Service) List(ctx context.Context) ([]Backup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, source_dir, size_bytes, created_at FROM backups ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	backups := []Backup{}
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.ID, &b.Filename, &b.SourceDir, &b.SizeBytes, &b.CreatedAt); err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

func (s *Service) Get(ctx context.Context, id string) (*Backup, error) {
	var b Backup
	err := s.db.QueryRowContext(ctx,
		`SELECT id, filename, source_dir, size_bytes, created_at FROM backups WHERE id = ?`, id,
	).Scan(&b.ID, &b.Filename, &b.SourceDir, &b.SizeBytes, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FilePath returns the full path to a backup file.
func (s *Service) FilePath(ctx context.Context, id string) (string, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Dir(), b.Filename), nil
}

// Delete removes a backup file and its database record.
func (s *Service) Delete(ctx context.Context, id string) error {
	path, err := s.FilePath(ctx, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	return err
}

// Restore replaces destDir with the contents of the archive. The worker must
// be stopped first.
func (s *Service) Restore(ctx context.Context, id, destDir string) error {
	path, err := s.FilePath(ctx, id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(destDir); err != nil {
		return fmt.Errorf("clear destination: %w", err)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("recreate destination: %w", err)
	}
	return extractTarGz(path, destDir)
}

func createTarGz(ctx context.Context, dest, srcDir string) (err error) {
	file, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	gw := gzip.NewWriter(file)
	tw := tar.NewWriter(gw)

	walkErr := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		// Minecraft holds session.lock open for the lifetime of the world.
		if info.Name() == "session.lock" {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return walkErr
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

func extractTarGz(src, destDir string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gr.Close()

	root := filepath.Clean(destDir) + string(os.PathSeparator)
	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, header.Name)

		// Prevent path traversal
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("invalid path in archive: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)|0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}
