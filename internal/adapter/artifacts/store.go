// Package artifacts manages the org-scoped report filesystem.
//
// Layout: {root}/{organizationId}/{taskId}/{alias}/... where alias is one of
// the report names a test container may produce. Extraction is best-effort
// and collisions on an alias resolve last-writer-wins via replace.
package artifacts

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store writes extracted container artifacts under an org/task partitioned root.
type Store struct {
	Root string
}

// NewStore constructs a Store rooted at root.
func NewStore(root string) *Store { return &Store{Root: root} }

// RunDir returns the artifact directory for one execution.
func (s *Store) RunDir(orgID, taskID string) string {
	return filepath.Join(s.Root, orgID, taskID)
}

// EnsureRunDir creates the artifact directory for one execution.
func (s *Store) EnsureRunDir(orgID, taskID string) (string, error) {
	dir := s.RunDir(orgID, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("op=artifacts.ensure_dir: %w", err)
	}
	return dir, nil
}

// ExtractTar unpacks a container tar stream into {runDir}/{alias}. The
// stream's leading path element (the copied directory's own name) is
// stripped. An existing alias directory is replaced atomically: content is
// staged into a sibling temp dir and swapped in with a rename.
func (s *Store) ExtractTar(r io.Reader, orgID, taskID, alias string) error {
	runDir, err := s.EnsureRunDir(orgID, taskID)
	if err != nil {
		return err
	}
	staging, err := os.MkdirTemp(runDir, "."+alias+"-*")
	if err != nil {
		return fmt.Errorf("op=artifacts.extract: staging: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	if err := untarInto(r, staging); err != nil {
		return fmt.Errorf("op=artifacts.extract: %w", err)
	}

	dest := filepath.Join(runDir, alias)
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("op=artifacts.extract: clear: %w", err)
	}
	if err := os.Rename(staging, dest); err != nil {
		return fmt.Errorf("op=artifacts.extract: swap: %w", err)
	}
	return nil
}

func untarInto(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		rel := stripFirstElement(hdr.Name)
		if rel == "" {
			continue
		}
		target, err := securePath(dest, rel)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil { //nolint:gosec // bounded by the container's own filesystem
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and devices from containers are not materialized.
		}
	}
}

// stripFirstElement drops the copied directory's own name from an entry path.
func stripFirstElement(name string) string {
	name = strings.TrimPrefix(name, "./")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return ""
}

// securePath joins rel under dest and rejects traversal outside of it.
func securePath(dest, rel string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("tar entry escapes destination: %q", rel)
	}
	return target, nil
}
