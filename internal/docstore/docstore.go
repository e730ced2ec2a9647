// Package docstore persists uploaded evidence files and their document
// records.
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/BenPearsey/vaportal-sub001/internal/db"
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/repo"
)

// File is one uploaded file.
type File struct {
	SaleID      string
	Name        string
	ContentType string
	Data        []byte
}

// Store persists file content and document records.
type Store interface {
	Store(ctx context.Context, f File) (string, error)
	CreateDocumentRecord(ctx context.Context, saleID, title, path string) (string, error)
}

// TxBinder is implemented by stores whose records live in the checklist
// database, so record creation can join the caller's transaction.
type TxBinder interface {
	WithTx(tx db.DBTX) Store
}

// Remover deletes stored content whose record was never committed.
type Remover interface {
	Remove(path string) error
}

const lockRetry = 25 * time.Millisecond

// Local keeps files under Root/<sale>/ and records in the documents table.
// Writes are serialized across processes with a lock file in Root.
type Local struct {
	Root string
	DB   db.DBTX
	Now  func() time.Time
}

func (l Local) WithTx(tx db.DBTX) Store {
	l.DB = tx
	return l
}

func (l Local) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Store writes f and returns its path relative to Root.
func (l Local) Store(ctx context.Context, f File) (string, error) {
	if l.Root == "" {
		return "", errors.New("docstore: root not configured")
	}
	if f.SaleID == "" {
		return "", errors.New("docstore: sale id required")
	}
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return "", fmt.Errorf("docstore: create root: %w", err)
	}
	lock := flock.New(filepath.Join(l.Root, ".lock"))
	locked, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return "", fmt.Errorf("docstore: acquire lock: %w", err)
	}
	if !locked {
		return "", errors.New("docstore: could not acquire lock")
	}
	defer lock.Unlock()

	dir := filepath.Join(l.Root, safeSegment(f.SaleID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("docstore: create sale dir: %w", err)
	}
	sum := sha256.Sum256(f.Data)
	name := hex.EncodeToString(sum[:6]) + "-" + uuid.NewString()[:8] + "-" + safeName(f.Name)
	full := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("docstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(f.Data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("docstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("docstore: close: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("docstore: rename: %w", err)
	}
	return filepath.ToSlash(filepath.Join(safeSegment(f.SaleID), name)), nil
}

func (l Local) CreateDocumentRecord(ctx context.Context, saleID, title, path string) (string, error) {
	if l.DB == nil {
		return "", errors.New("docstore: database not configured")
	}
	d := domain.Document{
		ID:        uuid.NewString(),
		SaleID:    saleID,
		Title:     title,
		Path:      path,
		CreatedAt: l.now().UTC().Format(time.RFC3339),
	}
	if err := (repo.Repo{DB: l.DB}).InsertDocument(ctx, d); err != nil {
		return "", err
	}
	return d.ID, nil
}

func (l Local) Remove(path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l Local) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("docstore: path %q escapes root", path)
	}
	return filepath.Join(l.Root, clean), nil
}

func safeSegment(s string) string {
	s = safeName(s)
	if s == "file" {
		return "_"
	}
	return s
}

func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}
