package worker

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ResolveWithin joins path onto root and rejects anything that escapes
// it. Every filesystem write a worker makes goes through this.
func ResolveWithin(root, path string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no root configured")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(absRoot, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root %q", path, root)
	}
	return candidate, nil
}
