// Package executil locates the snapbackd binary for auto-start and builds
// the environment it is launched with.
package executil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
)

// ErrNotFound is returned when no candidate directory holds the binary.
var ErrNotFound = errors.New("executable not found")

var systemDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/opt/homebrew/bin",
}

// Resolver searches an ordered list of trusted directories.
type Resolver struct {
	Dirs []string
}

// NewResolver trusts the directory of the running executable first, then
// the system dirs and the PATH entries that pass trustedDir.
func NewResolver() *Resolver {
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		dirs = append(dirs, filepath.Dir(exe))
	}
	for _, dir := range searchPath() {
		if !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	return &Resolver{Dirs: dirs}
}

// Find returns the first executable named name. A name containing a path
// separator is checked as given.
func (r *Resolver) Find(name string) (string, error) {
	if strings.ContainsAny(name, `/\`) {
		p := filepath.Clean(name)
		if !executable(p) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return p, nil
	}
	for _, dir := range r.Dirs {
		for _, p := range withExtensions(filepath.Join(dir, name)) {
			if executable(p) {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s in %d trusted dirs", ErrNotFound, name, len(r.Dirs))
}

// LookPath is NewResolver().Find(name).
func LookPath(name string) (string, error) {
	return NewResolver().Find(name)
}

// SafeEnv is the current environment with PATH narrowed to trusted dirs.
func SafeEnv() []string {
	env := os.Environ()
	dirs := searchPath()
	if len(dirs) == 0 {
		return env
	}
	env = slices.DeleteFunc(env, func(kv string) bool {
		return strings.HasPrefix(kv, "PATH=")
	})
	return append(env, "PATH="+strings.Join(dirs, string(os.PathListSeparator)))
}

// searchPath lists system dirs then PATH entries, keeping only existing
// absolute directories that are not group or world writable.
func searchPath() []string {
	candidates := append(slices.Clone(systemDirs), filepath.SplitList(os.Getenv("PATH"))...)
	out := make([]string, 0, len(candidates))
	for _, dir := range candidates {
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		dir = filepath.Clean(dir)
		if slices.Contains(out, dir) || !trustedDir(dir) {
			continue
		}
		out = append(out, dir)
	}
	return out
}

func trustedDir(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	return runtime.GOOS == "windows" || info.Mode().Perm()&0o022 == 0
}

// withExtensions expands p with PATHEXT on windows.
func withExtensions(p string) []string {
	if runtime.GOOS != "windows" || filepath.Ext(p) != "" {
		return []string{p}
	}
	exts := strings.Split(strings.ToLower(os.Getenv("PATHEXT")), ";")
	exts = slices.DeleteFunc(exts, func(e string) bool { return e == "" })
	if len(exts) == 0 {
		exts = []string{".exe"}
	}
	out := make([]string, len(exts))
	for i, ext := range exts {
		out[i] = p + ext
	}
	return out
}

func executable(p string) bool {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return false
	}
	return runtime.GOOS == "windows" || info.Mode().Perm()&0o111 != 0
}
