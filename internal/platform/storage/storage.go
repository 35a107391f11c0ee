// Package storage persists rendered documents under a per-tenant namespace on
// the local filesystem. Every key is checked to stay inside the caller's
// tenant directory before any read or write.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

const BackendLocal = "LOCAL"

var (
	ErrStoragePathViolation = errors.New("storage path violation")
	ErrObjectNotFound       = errors.New("stored object not found")
)

// PathViolationError describes a key that resolved outside the tenant namespace.
type PathViolationError struct {
	TenantID string
	Key      string
	Reason   string
}

func (e *PathViolationError) Error() string {
	return fmt.Sprintf("storage path violation: tenant %q key %q: %s", e.TenantID, e.Key, e.Reason)
}

func (e *PathViolationError) Unwrap() error { return ErrStoragePathViolation }

// Store is the contract the render worker and document download depend on.
type Store interface {
	Backend() string
	Put(ctx context.Context, tenantID, documentID string, data []byte) (string, error)
	Get(ctx context.Context, tenantID, key string) ([]byte, error)
}

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// KeyFor builds the storage key "<tenantID>/<documentID>.pdf".
func KeyFor(tenantID, documentID string) (string, error) {
	if !segmentPattern.MatchString(tenantID) {
		return "", &PathViolationError{TenantID: tenantID, Reason: "invalid tenant id"}
	}
	if !segmentPattern.MatchString(documentID) {
		return "", &PathViolationError{TenantID: tenantID, Reason: "invalid document id " + documentID}
	}
	return tenantID + "/" + documentID + ".pdf", nil
}

type LocalStore struct {
	root string
}

// NewLocalStore creates root if needed and resolves it to an absolute,
// symlink-free path.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	return &LocalStore{root: resolved}, nil
}

func (s *LocalStore) Root() string { return s.root }
func (s *LocalStore) Backend() string { return BackendLocal }

// ResolvePath maps a tenant-relative key to an absolute path under the root.
func (s *LocalStore) ResolvePath(tenantID, key string) (string, error) {
	violation := func(reason string) error {
		return &PathViolationError{TenantID: tenantID, Key: key, Reason: reason}
	}

	if !segmentPattern.MatchString(tenantID) {
		return "", violation("invalid tenant id")
	}
	if key == "" || strings.ContainsAny(key, "\\\x00") {
		return "", violation("malformed key")
	}
	if path.IsAbs(key) || filepath.IsAbs(key) {
		return "", violation("absolute key")
	}

	cleaned := path.Clean(key)
	if !strings.HasPrefix(cleaned, tenantID+"/") {
		return "", violation("key outside tenant namespace")
	}

	full := filepath.Join(s.root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", violation("resolved path escapes storage root")
	}

	tenantDir := filepath.Join(s.root, tenantID)
	if !strings.HasPrefix(full, tenantDir+string(filepath.Separator)) {
		return "", violation("resolved path escapes tenant directory")
	}
	return full, nil
}

// checkParent rejects a parent directory that is a symlink leading elsewhere.
func (s *LocalStore) checkParent(tenantID, key, dir string) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	if !strings.HasPrefix(resolved+string(filepath.Separator), filepath.Join(s.root, tenantID)+string(filepath.Separator)) {
		return &PathViolationError{TenantID: tenantID, Key: key, Reason: "tenant directory is a link outside the root"}
	}
	return nil
}

// Put writes data atomically and returns the storage key. Writing the same
// document twice replaces the previous bytes.
func (s *LocalStore) Put(ctx context.Context, tenantID, documentID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := KeyFor(tenantID, documentID)
	if err != nil {
		return "", err
	}
	full, err := s.ResolvePath(tenantID, key)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(full)
	if err := s.checkParent(tenantID, key, dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create tenant directory: %w", err)
	}
	if err := writeFileAtomic(full, data, 0o644); err != nil {
		return "", err
	}
	return key, nil
}

func (s *LocalStore) Get(ctx context.Context, tenantID, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.ResolvePath(tenantID, key)
	if err != nil {
		return nil, err
	}
	if err := s.checkParent(tenantID, key, filepath.Dir(full)); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func writeFileAtomic(target string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
