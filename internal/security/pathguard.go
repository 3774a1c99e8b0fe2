// Package security holds the path allow-list, outbound address checks and the
// audit log shared by capabilities.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
)

// PathGuard permits paths that canonicalize to one of a set of allowed roots
// or a descendant of one. With no roots every path is denied.
type PathGuard struct {
	roots []string
}

// NewPathGuard creates a guard for roots. Roots are canonicalized on every
// check, so a root that does not exist yet simply matches nothing.
func NewPathGuard(roots []string) *PathGuard {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		if r = strings.TrimSpace(r); r != "" {
			cleaned = append(cleaned, r)
		}
	}
	return &PathGuard{roots: cleaned}
}

// Roots returns the configured roots as given.
func (g *PathGuard) Roots() []string {
	return append([]string(nil), g.roots...)
}

// Allowed reports whether requested may be accessed.
func (g *PathGuard) Allowed(requested string) bool {
	_, err := g.Resolve(requested)
	return err == nil
}

// Resolve returns the canonical form of requested if it lies within an
// allowed root. Relative paths are taken relative to the first root.
func (g *PathGuard) Resolve(requested string) (string, error) {
	if len(g.roots) == 0 {
		return "", domain.NewDomainError("PathGuard.Resolve", domain.ErrPathOutsideSandbox, "no allowed paths configured")
	}
	if !filepath.IsAbs(requested) {
		requested = filepath.Join(g.roots[0], requested)
	}

	canonical, err := Canonicalize(requested)
	if err != nil {
		return "", domain.NewDomainError("PathGuard.Resolve", domain.ErrPathOutsideSandbox, err.Error())
	}

	for _, root := range g.roots {
		croot, err := Canonicalize(root)
		if err != nil {
			continue
		}
		if within(canonical, croot) {
			return canonical, nil
		}
	}
	return "", domain.NewDomainError("PathGuard.Resolve", domain.ErrPathOutsideSandbox,
		fmt.Sprintf("%q resolves to %q", requested, canonical))
}

// Canonicalize makes p absolute and resolves symlinks. When p does not exist,
// its nearest existing ancestor is resolved and the remaining components are
// joined back on, so a symlinked parent of a new file is still followed.
func Canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	var rest []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Clean(filepath.Join(parts...)), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolve %q: %w", cur, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no existing ancestor for %q", abs)
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	if !strings.HasSuffix(root, string(os.PathSeparator)) {
		root += string(os.PathSeparator)
	}
	return strings.HasPrefix(path, root)
}
