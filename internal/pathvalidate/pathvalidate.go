// Package pathvalidate is the security gate every path argument passes before
// the daemon touches the filesystem with it.
//
// Two phases: ValidateBasic rejects malformed and traversal-shaped input
// without consulting the filesystem; ValidatePath resolves a relative path
// against a workspace root and proves the result stays inside it.
package pathvalidate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/snapback-dev/snapback/internal/protocol"
)

// MaxPathLength bounds any path argument, in bytes.
const MaxPathLength = 4096

// goos is swapped by tests to exercise host-specific rules.
var goos = runtime.GOOS

var (
	uncPattern       = regexp.MustCompile(`^(\\\\|//)[^\\/]+[\\/][^\\/]+`)
	driveLetterRegex = regexp.MustCompile(`^[A-Za-z]:`)
	encodedDotDot    = regexp.MustCompile(`(?i)(%2e|%252e)(%2e|%252e)`)
	encodedDot       = regexp.MustCompile(`(?i)%2e`)
	encodedSep       = regexp.MustCompile(`(?i)%2f|%5c`)
)

type options struct {
	allowAbsolute bool
}

// Option tunes ValidateBasic.
type Option func(*options)

// AllowAbsolute permits absolute paths.
func AllowAbsolute() Option {
	return func(o *options) { o.allowAbsolute = true }
}

func validationError(p, format string, args ...any) *protocol.Error {
	return protocol.NewError(protocol.KindValidation, fmt.Sprintf(format, args...), map[string]any{
		"path": SanitizePath(p),
	})
}

func traversalError(p string) *protocol.Error {
	return protocol.NewError(protocol.KindPathTraversal, "path traversal detected", map[string]any{
		"path": SanitizePath(p),
	})
}

// ValidateBasic checks p without touching the filesystem.
func ValidateBasic(p string, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if strings.TrimSpace(p) == "" {
		return validationError(p, "path must be a non-empty string")
	}
	if len(p) > MaxPathLength {
		return validationError(p, "path exceeds %d bytes", MaxPathLength)
	}
	if strings.ContainsAny(p, "\x00\r\n") {
		return validationError(p, "path contains control characters")
	}
	if hasTraversal(p) {
		return traversalError(p)
	}

	if goos != "windows" {
		if uncPattern.MatchString(p) {
			return validationError(p, "UNC paths are not supported on %s", goos)
		}
		if driveLetterRegex.MatchString(p) {
			return validationError(p, "drive-letter paths are not supported on %s", goos)
		}
	}

	if !o.allowAbsolute && isAbs(p) {
		return validationError(p, "absolute paths are not allowed")
	}
	return nil
}

func isAbs(p string) bool {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return true
	}
	return goos == "windows" && (driveLetterRegex.MatchString(p) || strings.HasPrefix(p, `\`))
}

// hasTraversal looks for a ".." segment in p and in its decoded forms,
// treating both separators alike. Only dot, slash and backslash escapes are
// decoded, token by token, so a stray '%' elsewhere cannot hide them.
func hasTraversal(p string) bool {
	if encodedDotDot.MatchString(p) {
		return true
	}
	candidates := []string{p}
	decoded := p
	for range 2 {
		decoded = decodeTraversalTokens(decoded)
		candidates = append(candidates, decoded)
	}
	for _, c := range candidates {
		for _, seg := range strings.FieldsFunc(c, isSeparator) {
			if strings.TrimSpace(seg) == ".." {
				return true
			}
		}
	}
	return false
}

// decodeTraversalTokens undoes one level of percent-encoding for '%', '.',
// '/' and backslash.
func decodeTraversalTokens(s string) string {
	s = strings.ReplaceAll(s, "%25", "%")
	s = encodedDot.ReplaceAllString(s, ".")
	return encodedSep.ReplaceAllString(s, "/")
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

// ValidatePath resolves rel against root and returns the absolute result. It
// fails with PathTraversalError unless the result is root or lies beneath it.
// rel may be absolute as long as it lands inside root.
func ValidatePath(root, rel string) (string, error) {
	if err := ValidateBasic(root, AllowAbsolute()); err != nil {
		return "", err
	}
	if !isAbs(root) {
		return "", validationError(root, "workspace root must be absolute")
	}
	if err := ValidateBasic(rel, AllowAbsolute()); err != nil {
		return "", err
	}

	cleanRoot := filepath.Clean(root)
	var target string
	if isAbs(rel) {
		target = filepath.Clean(rel)
	} else {
		target = filepath.Clean(filepath.Join(cleanRoot, filepath.FromSlash(rel)))
	}

	if !Within(cleanRoot, target) {
		return "", traversalError(rel)
	}
	return target, nil
}

// Within reports whether target equals root or is a descendant of it. Both
// must already be clean. The separator-bounded prefix keeps /ws-evil out of /ws.
func Within(root, target string) bool {
	if target == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}

// ValidatePathWithSymlinkCheck is ValidatePath plus a check that the target,
// or for a missing target its deepest existing ancestor, does not reach
// outside root through a symlink. Missing targets pass so create operations
// can be validated.
func ValidatePathWithSymlinkCheck(root, rel string) (string, error) {
	target, err := ValidatePath(root, rel)
	if err != nil {
		return "", err
	}

	resolvedRoot, err := filepath.EvalSymlinks(filepath.Clean(root))
	if err != nil {
		return "", protocol.NewError(protocol.KindWorkspaceNotFound, "cannot resolve workspace root", map[string]any{
			"path": SanitizePath(root),
		})
	}

	existing, err := deepestExisting(target)
	if err != nil {
		return "", protocol.ToDaemonError(err)
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		// Dangling link: the destination cannot be proven safe.
		return "", traversalError(rel)
	}
	if !Within(resolvedRoot, resolved) {
		return "", traversalError(rel)
	}
	return target, nil
}

// deepestExisting returns p if it exists, else its closest existing ancestor.
// A dangling symlink counts as existing.
func deepestExisting(p string) (string, error) {
	for {
		_, err := os.Lstat(p)
		if err == nil {
			return p, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p, nil
		}
		p = parent
	}
}

// ValidatePaths applies ValidatePath to every element and stops at the first
// failure.
func ValidatePaths(root string, rels []string) ([]string, error) {
	out := make([]string, 0, len(rels))
	for i, rel := range rels {
		target, err := ValidatePath(root, rel)
		if err != nil {
			if de, ok := err.(*protocol.Error); ok {
				return nil, de.With("index", i)
			}
			return nil, err
		}
		out = append(out, target)
	}
	return out, nil
}

// ValidateWorkspaceRoot checks that root is an absolute path to an existing
// directory.
func ValidateWorkspaceRoot(root string) (string, error) {
	if err := ValidateBasic(root, AllowAbsolute()); err != nil {
		return "", err
	}
	if !isAbs(root) {
		return "", validationError(root, "workspace root must be absolute")
	}
	clean := filepath.Clean(root)
	info, err := os.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return "", protocol.NewError(protocol.KindWorkspaceNotFound, "workspace does not exist", map[string]any{
				"workspace": SanitizePath(root),
			})
		}
		return "", protocol.ToDaemonError(err)
	}
	if !info.IsDir() {
		return "", validationError(root, "workspace root is not a directory")
	}
	return clean, nil
}

var sanitizeTokens = strings.NewReplacer(
	"%252e", "", "%252E", "",
	"%2e", "", "%2E", "",
	"%2f", "/", "%2F", "/",
	"%5c", "/", "%5C", "/",
	"\x00", "",
)

// SanitizePath makes p safe to print. It is cosmetic only and never a
// substitute for validation.
func SanitizePath(p string) string {
	s := sanitizeTokens.Replace(p)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\\':
			return '/'
		case '\r', '\n', '\t':
			return ' '
		}
		return r
	}, s)
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	if len(s) > 256 {
		s = s[:253] + "..."
	}
	return s
}
