// Package toolchain maps project sources to the external compiler, linker and
// preprocessor invocations that build them. It is pure given Options: all
// state lives in precompiled classification regexes.
package toolchain

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type Toolchain struct {
	opts *Options

	sourceRe  *regexp.Regexp // any watched extension
	headerRe  *regexp.Regexp // header extensions only
	includeRe *regexp.Regexp // quoted paths in preprocessor output
}

func New(opts *Options) (*Toolchain, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	allExts := slices.Concat(opts.CXXFileExts, opts.HXXFileExts)
	return &Toolchain{
		opts:      opts,
		sourceRe:  extRegexp(allExts),
		headerRe:  extRegexp(opts.HXXFileExts),
		includeRe: regexp.MustCompile(`"([^"]+\.(?:` + extAlternation(allExts) + `))"`),
	}, nil
}

// extRegexp builds ^.*\.(a|b|c)$ over the stripped extension list.
func extRegexp(exts []string) *regexp.Regexp {
	return regexp.MustCompile(`^.*\.(?:` + extAlternation(exts) + `)$`)
}

func extAlternation(exts []string) string {
	quoted := make([]string, len(exts))
	for i, ext := range exts {
		quoted[i] = regexp.QuoteMeta(strings.TrimPrefix(ext, "."))
	}
	return strings.Join(quoted, "|")
}

// IsSource reports whether path is watched at all: translation unit or header.
func (tc *Toolchain) IsSource(path string) bool {
	return tc.sourceRe.MatchString(path)
}

func (tc *Toolchain) IsHeader(path string) bool {
	return tc.headerRe.MatchString(path)
}

// IsExternal reports whether path lives outside the working directory.
func (tc *Toolchain) IsExternal(path string) bool {
	root := tc.opts.WorkingDir
	return path != root && !strings.HasPrefix(path, root+string(filepath.Separator))
}

// ObjectPath maps a source to its object file: next to the source when no
// object directory is configured, else mirroring the source tree under it.
func (tc *Toolchain) ObjectPath(src string) string {
	if tc.opts.ObjDir == "" {
		return changeExt(src, ".o")
	}
	rel, err := filepath.Rel(tc.opts.WorkingDir, src)
	if err != nil {
		rel = filepath.Base(src)
	}
	return filepath.Join(tc.opts.ObjDir, changeExt(rel, ".o"))
}

func (tc *Toolchain) IsCompiled(src string) bool {
	_, err := os.Stat(tc.ObjectPath(src))
	return err == nil
}

// EnsureObjectDir creates the object directory for src when objects are
// mirrored under OBJ_DIR. With objects next to sources the directory exists.
func (tc *Toolchain) EnsureObjectDir(src string) error {
	if tc.opts.ObjDir == "" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(tc.ObjectPath(src)), 0755)
}

// CleanObject removes the object compiled from src and, under OBJ_DIR, prunes
// its directory when that became empty. Best effort: a stale object is
// harmless since the link list is recomputed from live nodes.
func (tc *Toolchain) CleanObject(src string) {
	obj := tc.ObjectPath(src)
	_ = os.Remove(obj)
	if tc.opts.ObjDir == "" {
		return
	}
	dir := filepath.Dir(obj)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}

func (tc *Toolchain) CompileCommand(src string) []string {
	argv := []string{tc.opts.CXX}
	argv = append(argv, strings.Fields(tc.opts.CFlags)...)
	argv = append(argv, "-c", src, "-o", tc.ObjectPath(src))
	argv = append(argv, strings.Fields(tc.opts.LDFlags)...)
	return argv
}

func (tc *Toolchain) LinkCommand(objects []string) []string {
	argv := []string{tc.opts.CXX}
	argv = append(argv, strings.Fields(tc.opts.CFlags)...)
	argv = append(argv, "-o", tc.opts.Target)
	argv = append(argv, objects...)
	argv = append(argv, strings.Fields(tc.opts.LDFlags)...)
	return argv
}

// PreprocessCommand invokes the external preprocessor; -H prints the include
// tree of src.
func (tc *Toolchain) PreprocessCommand(src string) []string {
	argv := []string{"cpp", "-H", src}
	argv = append(argv, strings.Fields(tc.opts.CFlags)...)
	return argv
}

func (tc *Toolchain) TargetPath() string {
	if filepath.IsAbs(tc.opts.Target) {
		return tc.opts.Target
	}
	return filepath.Join(tc.opts.WorkingDir, tc.opts.Target)
}

func (tc *Toolchain) TargetCommand() []string {
	argv := []string{tc.TargetPath()}
	argv = append(argv, strings.Fields(tc.opts.TargetArgs)...)
	return argv
}

func (tc *Toolchain) IsTargetBuilt() bool {
	_, err := os.Stat(tc.TargetPath())
	return err == nil
}

// SourceIncludes runs the preprocessor over src and extracts every quoted
// path with a watched extension, canonicalised, deduplicated and without src
// itself. Paths outside the working directory are kept; filtering them is
// left to the caller. The caller decides what a failed invocation means.
func (tc *Toolchain) SourceIncludes(src string) ([]string, error) {
	argv := tc.PreprocessCommand(src)
	out, err := exec.Command(argv[0], argv[1:]...).CombinedOutput()
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("preprocess %s: %w", src, err)
	}
	return tc.extractIncludes(src, string(out)), nil
}

func (tc *Toolchain) extractIncludes(src, out string) []string {
	seen := make(map[string]struct{})
	var includes []string
	for _, m := range tc.includeRe.FindAllStringSubmatch(out, -1) {
		abs, err := filepath.Abs(m[1])
		if err != nil || abs == src {
			continue
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		includes = append(includes, abs)
	}
	slices.Sort(includes)
	return includes
}

// SourceFiles enumerates every watched file under the working directory.
func (tc *Toolchain) SourceFiles() ([]string, error) {
	fsys := os.DirFS(tc.opts.WorkingDir)
	var files []string
	for _, ext := range slices.Concat(tc.opts.CXXFileExts, tc.opts.HXXFileExts) {
		matches, err := doublestar.Glob(fsys, "**/*."+strings.TrimPrefix(ext, "."), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("globbing %s files: %w", ext, err)
		}
		for _, match := range matches {
			files = append(files, filepath.Join(tc.opts.WorkingDir, match))
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

func changeExt(path, ext string) string {
	old := filepath.Ext(path)
	return path[:len(path)-len(old)] + ext
}
