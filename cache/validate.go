// Package cache implements the coordinator that combines the memory
// tier, metadata store, and blob store into a content-addressed
// extraction cache.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	extractcache "github.com/wolfeidau/extract-cache"
)

// pathValidator canonicalises user paths and enforces the allowlist.
type pathValidator struct {
	allowed []string // canonicalised allowlist roots
}

func newPathValidator(allowedPaths []string) (*pathValidator, error) {
	v := &pathValidator{}
	for _, p := range allowedPaths {
		resolved, err := canonicalise(p)
		if err != nil {
			return nil, extractcache.Errorf(extractcache.KindConfigInvalid, "allowed path %s: %w", p, err)
		}
		v.allowed = append(v.allowed, resolved)
	}
	return v, nil
}

// validate returns the canonical form of raw or a PermissionDenied error.
//
// The raw input is rejected if it contains ".." anywhere, before any
// resolution. This is stricter than necessary (it also rejects names like
// /a..b/c) but callers rely on the behavior, so it is kept as is.
//
// Existence is NOT checked here: a validated-but-missing file is reported
// by the coordinator as SourceMissing, not PermissionDenied.
func (v *pathValidator) validate(raw string) (string, error) {
	if strings.Contains(raw, "..") {
		return "", extractcache.Errorf(extractcache.KindPermissionDenied, "path traversal detected: %s", raw)
	}

	resolved, err := canonicalise(raw)
	if err != nil {
		return "", extractcache.Errorf(extractcache.KindPermissionDenied, "invalid path %s: %w", raw, err)
	}

	if len(v.allowed) > 0 && !v.within(resolved) {
		return "", extractcache.Errorf(extractcache.KindPermissionDenied, "access denied: %s is not within allowed paths", raw)
	}

	if info, err := os.Lstat(resolved); err == nil && !info.Mode().IsRegular() {
		return "", extractcache.Errorf(extractcache.KindPermissionDenied, "not a regular file: %s", raw)
	}

	return resolved, nil
}

func (v *pathValidator) within(resolved string) bool {
	for _, root := range v.allowed {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// canonicalise resolves symlinks and normalises to absolute form. A path
// that does not exist yet resolves against its deepest existing ancestor,
// mirroring a non-strict resolve.
func canonicalise(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("resolving symlinks for %s: %w", path, err)
	}

	// Walk up to the deepest existing ancestor, resolve that, and
	// re-attach the missing suffix.
	dir, base := filepath.Split(abs)
	dir = filepath.Clean(dir)
	if dir == abs {
		return abs, nil
	}
	resolvedDir, err := canonicalise(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}
