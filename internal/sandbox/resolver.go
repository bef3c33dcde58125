package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Resolver confines path arguments to a single sandbox root.
// The root is canonicalised once at construction and never changes.
type Resolver struct {
	root string
}

// NewResolver canonicalises root (absolute, symlinks resolved) and
// verifies it is an existing directory.
func NewResolver(root string) (*Resolver, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("sandbox root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root %s: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root %s: %w", abs, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root %s: %w", canonical, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %s is not a directory", canonical)
	}
	return &Resolver{root: canonical}, nil
}

// Root returns the canonical sandbox root.
func (r *Resolver) Root() string { return r.root }

// Resolve joins candidate to the root, canonicalises the result and returns it
// if it is the root or one of its descendants. A leading separator does not make
// candidate absolute: "/etc" resolves to <root>/etc.
func (r *Resolver) Resolve(candidate string) (string, error) {
	joined := filepath.Join(r.root, filepath.FromSlash(strings.ReplaceAll(candidate, `\`, "/")))
	canonical, err := canonicalize(joined)
	if err != nil {
		return "", newError(KindPathEscapesSandbox, fmt.Sprintf("cannot resolve path %q", candidate), err)
	}
	if !r.within(canonical) {
		return "", newError(KindPathEscapesSandbox, "Path escapes sandbox", nil)
	}
	return canonical, nil
}

// Contains re-canonicalises an absolute path and reports whether it is still
// inside the root. Used to re-check arguments right before a spawn.
func (r *Resolver) Contains(abs string) bool {
	canonical, err := canonicalize(abs)
	if err != nil {
		return false
	}
	return r.within(canonical)
}

func (r *Resolver) within(p string) bool {
	if p == r.root {
		return true
	}
	prefix := r.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// maxLinkHops bounds how many dangling links canonicalize follows by hand.
const maxLinkHops = 40

// canonicalize resolves symlinks on the deepest resolvable ancestor of path and
// re-appends the rest lexically, so paths that do not exist (or sit below a
// regular file or an unreadable directory) still resolve. A dangling link is
// followed to its target, which is canonicalised the same way.
func canonicalize(path string) (string, error) {
	return canonicalizeHops(path, 0)
}

func canonicalizeHops(path string, hops int) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) && !errors.Is(err, fs.ErrPermission) {
		return "", err
	}

	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	resolvedParent, err := canonicalizeHops(parent, hops)
	if err != nil {
		return "", err
	}

	if info, lerr := os.Lstat(path); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
		if hops >= maxLinkHops {
			return "", fmt.Errorf("too many levels of symbolic links at %s", path)
		}
		target, rerr := os.Readlink(path)
		if rerr != nil {
			return "", rerr
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(resolvedParent, target)
		}
		return canonicalizeHops(target, hops+1)
	}
	return filepath.Join(resolvedParent, filepath.Base(path)), nil
}
