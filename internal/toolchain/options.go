package toolchain

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Options is the full configuration surface of the supervisor. It is
// assembled once by the command layer and immutable afterwards.
type Options struct {
	WorkingDir  string // absolute root that is watched and classifies in-project includes
	CXX         string
	CFlags      string // space-separated extra compile flags
	LDFlags     string
	ObjDir      string // empty: objects sit next to sources
	CXXFileExts []string
	HXXFileExts []string
	Target      string
	TargetArgs  string
	Mode        string // subset of {C, R}
	Debug       bool
}

// Validate fails fast on configurations the watcher could not recover from.
func (o *Options) Validate() error {
	if !filepath.IsAbs(o.WorkingDir) {
		return fmt.Errorf("working directory %q is not absolute", o.WorkingDir)
	}
	if stat, err := os.Stat(o.WorkingDir); err != nil || !stat.IsDir() {
		return fmt.Errorf("working directory %q is not a directory", o.WorkingDir)
	}
	if len(o.CXXFileExts) == 0 {
		return errors.New("source extension list is empty")
	}
	if len(o.HXXFileExts) == 0 {
		return errors.New("header extension list is empty")
	}
	if o.Target == "" {
		return errors.New("target executable path is empty")
	}
	if o.Mode == "" {
		return errors.New("mode is empty, need C, R or CR")
	}
	for _, r := range o.Mode {
		if r != 'C' && r != 'R' {
			return fmt.Errorf("unknown mode %q, need a combination of C and R", o.Mode)
		}
	}
	if _, err := exec.LookPath(o.CXX); err != nil {
		return fmt.Errorf("compiler %q not found: %w", o.CXX, err)
	}
	return nil
}

func (o *Options) AutoCompile() bool { return strings.ContainsRune(o.Mode, 'C') }
func (o *Options) AutoRestart() bool { return strings.ContainsRune(o.Mode, 'R') }

// CacheFilePath is where per-file digests survive between runs.
func (o *Options) CacheFilePath() string {
	return filepath.Join(o.WorkingDir, ".schr.cache")
}

// ProjectFile holds optional per-project flag defaults read from .schr.toml.
// The tool stays configurationless: every key mirrors a flag and explicit
// flags always win.
type ProjectFile struct {
	CXX        string   `toml:"cxx"`
	CFlags     string   `toml:"cflags"`
	LDFlags    string   `toml:"ldflags"`
	ObjDir     string   `toml:"obj-dir"`
	CXXExts    []string `toml:"cxx-exts"`
	HXXExts    []string `toml:"hxx-exts"`
	Target     string   `toml:"target"`
	TargetArgs string   `toml:"target-args"`
	Mode       string   `toml:"mode"`
	Debug      bool     `toml:"debug"`
}

const ProjectFileName = ".schr.toml"

// LoadProjectFile reads dir/.schr.toml. A missing file is not an error and
// yields nil.
func LoadProjectFile(dir string) (*ProjectFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, ProjectFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var pf ProjectFile
	if err := toml.Unmarshal(data, &pf); err != nil {
		if derr, ok := err.(*toml.DecodeError); ok {
			return nil, fmt.Errorf("%s: %s", ProjectFileName, derr.String())
		}
		return nil, fmt.Errorf("%s: %w", ProjectFileName, err)
	}
	return &pf, nil
}
