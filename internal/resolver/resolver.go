// Package resolver declares the sidecar's pluggable collaborator
// interfaces (spec §6): discovering which executable to spawn for a
// (root, language) pair, and guessing a language from workspace marker
// files for warmup. Both are external to the sidecar's own concerns
// (out of scope, spec §1) and a host may supply its own implementations;
// this package also ships MarkerDetector and PATHResolver so the sidecar
// runs standalone.
package resolver

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrNotInstalled is returned by a Resolver when no language server is
// available for the requested language; callers surface it as a
// session-error on open (spec §7 Admission).
var ErrNotInstalled = errors.New("language server not installed")

// LanguageServerResolver produces argv for a language server process. It
// is a pure function of (rootPath, language) from the sidecar's point of
// view; the sidecar treats the returned argv as opaque (spec §4.8).
type LanguageServerResolver interface {
	Resolve(ctx context.Context, rootPath, language string) (argv []string, err error)
}

// LanguageDetector guesses a language from marker files in rootPath, used
// only by warmup to pick the language to admit for rootPath (spec §6).
type LanguageDetector interface {
	Detect(rootPath string) (language string, ok bool)
}

// ResolverFunc adapts a plain function to a LanguageServerResolver.
type ResolverFunc func(ctx context.Context, rootPath, language string) ([]string, error)

func (f ResolverFunc) Resolve(ctx context.Context, rootPath, language string) ([]string, error) {
	return f(ctx, rootPath, language)
}

// markers is consulted in order; the first hit wins. Order matches spec
// §6 exactly.
var markers = []struct {
	name     string
	language string
	glob     bool
}{
	{"go.mod", "go", false},
	{"package.json", "typescript", false},
	{"pyproject.toml", "python", false},
	{"requirements.txt", "python", false},
	{"CMakeLists.txt", "cpp", false},
	{"*.csproj", "csharp", true},
	{"*.sln", "csharp", true},
}

// MarkerDetector implements LanguageDetector by stat'ing (or globbing for)
// the marker files named in spec §6, in order.
type MarkerDetector struct{}

func (MarkerDetector) Detect(rootPath string) (string, bool) {
	for _, m := range markers {
		if m.glob {
			if matches, _ := filepath.Glob(filepath.Join(rootPath, m.name)); len(matches) > 0 {
				return m.language, true
			}
			continue
		}
		if _, err := os.Stat(filepath.Join(rootPath, m.name)); err == nil {
			return m.language, true
		}
	}
	return "", false
}

// pathBinaries names the well-known language server binary PATHResolver
// looks for per language (spec §4.8 "falling back to ... well-known
// installation paths"). Hosts that bundle or vendor their own servers are
// expected to supply a different LanguageServerResolver entirely; this one
// only covers the common PATH case so the sidecar is runnable standalone.
var pathBinaries = map[string][]string{
	"go":         {"gopls"},
	"python":     {"pyright-langserver", "--stdio"},
	"typescript": {"typescript-language-server", "--stdio"},
	"javascript": {"typescript-language-server", "--stdio"},
	"cpp":        {"clangd"},
	"csharp":     {"omnisharp", "-lsp"},
	"rust":       {"rust-analyzer"},
}

// PATHResolver resolves a language to whatever well-known binary is on
// PATH for it (spec §4.8). It ignores rootPath: a workspace-local
// toolchain probe (e.g. a vendored gopls) is the kind of thing a host
// application would layer in front of this with its own
// LanguageServerResolver.
type PATHResolver struct{}

func (PATHResolver) Resolve(ctx context.Context, rootPath, language string) ([]string, error) {
	argv, ok := pathBinaries[language]
	if !ok {
		return nil, ErrNotInstalled
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, ErrNotInstalled
	}
	return argv, nil
}
