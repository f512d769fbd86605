// Package artifact persists run outputs. Paths are append-only per
// run/item: a second write to the same path fails with ErrExists rather
// than overwriting a concurrent writer's data.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// ErrExists is returned when a write targets an existing path.
var ErrExists = errors.New("artifact: path already exists")

// ErrNotFound is returned when a ref does not resolve to stored content.
var ErrNotFound = errors.New("artifact: not found")

// Store is the append-only artifact store.
type Store interface {
	// Store writes data at path and returns a ref for later reads.
	Store(ctx context.Context, path string, data []byte, contentType string) (string, error)
	// Read returns the bytes behind a ref previously returned by Store.
	Read(ctx context.Context, ref string) ([]byte, error)
}

// Scanner inspects content before it is stored. A non-nil error rejects
// the write. Content scanning itself (antivirus, DLP) runs outside this
// process; the hook is where its verdict plugs in.
type Scanner func(ctx context.Context, path string, data []byte) error

// Scanned wraps a store so every write passes scan first. A nil scanner
// returns the store unchanged.
func Scanned(s Store, scan Scanner) Store {
	if scan == nil {
		return s
	}
	return &scannedStore{next: s, scan: scan}
}

type scannedStore struct {
	next Store
	scan Scanner
}

func (s *scannedStore) Store(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := s.scan(ctx, path, data); err != nil {
		return "", eris.Wrapf(err, "artifact: scan rejected %s", path)
	}
	return s.next.Store(ctx, path, data, contentType)
}

func (s *scannedStore) Read(ctx context.Context, ref string) ([]byte, error) {
	return s.next.Read(ctx, ref)
}

// UnitPath returns the artifact path for one decomposed unit's raw content.
func UnitPath(runID, itemID, name string) string {
	return fmt.Sprintf("runs/%s/items/%s/units/%s", runID, itemID, name)
}

// CandidatesPath returns the path for an item's recorded candidate set.
func CandidatesPath(runID, itemID string) string {
	return fmt.Sprintf("runs/%s/items/%s/candidates.json", runID, itemID)
}

// RunNormalizedPath returns the per-run copy of an item's normalized record.
func RunNormalizedPath(runID, itemID string) string {
	return fmt.Sprintf("runs/%s/items/%s/normalized.json", runID, itemID)
}

// NormalizedPath returns the path for an item's normalized record.
func NormalizedPath(clientID, expenseID, itemID string) string {
	return fmt.Sprintf("normalized/%s/%s/%s.json", clientID, expenseID, itemID)
}

// ReportPath returns the path for an item's comparison report.
func ReportPath(clientID, expenseID, runID, itemID string) string {
	return fmt.Sprintf("reports/%s/%s/%s/%s.json", clientID, expenseID, runID, itemID)
}

// FS stores artifacts on the local filesystem under a root directory.
type FS struct {
	root string
}

// NewFS creates a filesystem store rooted at root.
func NewFS(root string) *FS {
	return &FS{root: root}
}

func (f *FS) Store(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	full := filepath.Join(f.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", eris.Wrapf(err, "artifact: mkdir for %s", path)
	}

	// O_EXCL enforces the append-only contract.
	fh, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return "", eris.Wrapf(ErrExists, "%s", path)
		}
		return "", eris.Wrapf(err, "artifact: create %s", path)
	}
	defer fh.Close() //nolint:errcheck

	if _, err := fh.Write(data); err != nil {
		return "", eris.Wrapf(err, "artifact: write %s", path)
	}
	return path, nil
}

func (f *FS) Read(ctx context.Context, ref string) ([]byte, error) {
	full := filepath.Join(f.root, filepath.FromSlash(ref))
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Wrapf(ErrNotFound, "%s", ref)
		}
		return nil, eris.Wrapf(err, "artifact: read %s", ref)
	}
	return data, nil
}
