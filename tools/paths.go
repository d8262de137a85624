package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arbiterhq/arbiter/errs"
)

// resolveWithin resolves a possibly-relative path against root and verifies
// the result stays inside root after symlink resolution. String-prefix
// checks alone are not enough: a symlink inside the root can point outside
// it, so the deepest existing ancestor is canonicalized before the check.
func resolveWithin(root, path string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "failed to resolve project root", err)
	}
	if resolved, err := filepath.EvalSymlinks(rootAbs); err == nil {
		rootAbs = resolved
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, target)
	}
	target = filepath.Clean(target)

	canonical, err := canonicalize(target)
	if err != nil {
		return "", err
	}
	if !isWithin(rootAbs, canonical) {
		return "", errs.Newf(errs.KindRefused, "path escapes project root: %s", path)
	}
	return target, nil
}

// canonicalize resolves symlinks on the deepest existing ancestor and
// rejoins the non-existing tail.
func canonicalize(path string) (string, error) {
	existing := path
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize %s: %w", path, err)
	}
	return filepath.Join(append([]string{resolved}, tail...)...), nil
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}
