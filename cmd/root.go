// schr [path], schr watch [path]
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/schr-build/schr/internal/msg"
	"github.com/schr-build/schr/internal/reloader"
	"github.com/schr-build/schr/internal/toolchain"
)

var (
	flagCXX        string
	flagCFlags     string
	flagLDFlags    string
	flagObjDir     string
	flagCXXExts    []string
	flagHXXExts    []string
	flagTarget     string
	flagTargetArgs string
	flagDebug      bool
	flagMode       EnumValue = NewEnumValue("CR", map[string]string{
		"C":  "Recompile and relink on changes",
		"R":  "Only run the target once, if it is already built",
		"CR": "Recompile on changes and restart the target on success (default)",
	})
)

func doWatch(cmd *cobra.Command, args []string) {
	opts, err := resolveOptions(cmd, args)
	if err != nil {
		msg.Fatal("%v", err)
	}
	r, err := reloader.New(opts)
	if err != nil {
		msg.Fatal("%v", err)
	}
	if err := r.Start(); err != nil {
		msg.Fatal("%v", err)
	}
}

// resolveOptions turns flags (plus optional .schr.toml defaults) into the
// immutable option set. Explicit flags always win over the project file.
func resolveOptions(cmd *cobra.Command, args []string) (*toolchain.Options, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	opts := &toolchain.Options{
		WorkingDir:  dir,
		CXX:         flagCXX,
		CFlags:      flagCFlags,
		LDFlags:     flagLDFlags,
		ObjDir:      flagObjDir,
		CXXFileExts: flagCXXExts,
		HXXFileExts: flagHXXExts,
		Target:      flagTarget,
		TargetArgs:  flagTargetArgs,
		Mode:        flagMode.Value(),
		Debug:       flagDebug,
	}

	pf, err := toolchain.LoadProjectFile(dir)
	if err != nil {
		return nil, err
	}
	if pf != nil {
		applyProjectFile(cmd, opts, pf)
	}

	// A CXX from the environment beats the built-in default, nothing else.
	if !cmd.Flags().Changed("cxx") && (pf == nil || pf.CXX == "") {
		if cxx := os.Getenv("CXX"); cxx != "" {
			opts.CXX = cxx
		}
	}

	if opts.ObjDir != "" && !filepath.IsAbs(opts.ObjDir) {
		opts.ObjDir = filepath.Join(dir, opts.ObjDir)
	}
	msg.Verbose = opts.Debug
	return opts, nil
}

func applyProjectFile(cmd *cobra.Command, opts *toolchain.Options, pf *toolchain.ProjectFile) {
	flags := cmd.Flags()
	if !flags.Changed("cxx") && pf.CXX != "" {
		opts.CXX = pf.CXX
	}
	if !flags.Changed("cflags") && pf.CFlags != "" {
		opts.CFlags = pf.CFlags
	}
	if !flags.Changed("ldflags") && pf.LDFlags != "" {
		opts.LDFlags = pf.LDFlags
	}
	if !flags.Changed("obj-dir") && pf.ObjDir != "" {
		opts.ObjDir = pf.ObjDir
	}
	if !flags.Changed("cxx-exts") && len(pf.CXXExts) > 0 {
		opts.CXXFileExts = pf.CXXExts
	}
	if !flags.Changed("hxx-exts") && len(pf.HXXExts) > 0 {
		opts.HXXFileExts = pf.HXXExts
	}
	if !flags.Changed("target") && pf.Target != "" {
		opts.Target = pf.Target
	}
	if !flags.Changed("target-args") && pf.TargetArgs != "" {
		opts.TargetArgs = pf.TargetArgs
	}
	if !flags.Changed("mode") && pf.Mode != "" {
		opts.Mode = pf.Mode
	}
	if !flags.Changed("debug") && pf.Debug {
		opts.Debug = true
	}
}

var rootCmd = &cobra.Command{
	Use:   "schr [path]",
	Short: "Simple C++ hot reloader",
	Long: `Simple C++ hot reloader. Watches a project directory, recompiles the
translation units affected by each change, relinks the target and restarts it.`,
	Args: cobra.MaximumNArgs(1),
	Run:  doWatch,
}

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Watch the project and rebuild on changes",
	Long:  `Watch the project and rebuild on changes. If no path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doWatch,
}

func init() {
	addWatchFlags(rootCmd)

	// schr watch subcommand
	rootCmd.AddCommand(watchCmd)
	addWatchFlags(watchCmd)
}

func addWatchFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagCXX, "cxx", "g++", "Compiler executable")
	cmd.Flags().StringVar(&flagCFlags, "cflags", "", "Extra compile flags")
	cmd.Flags().StringVar(&flagLDFlags, "ldflags", "", "Extra link flags")
	cmd.Flags().StringVar(&flagObjDir, "obj-dir", "", "Mirror object files under this directory instead of next to sources")
	cmd.Flags().StringSliceVar(&flagCXXExts, "cxx-exts", []string{".cpp", ".cc", ".cxx", ".c"}, "Extensions compiled as translation units")
	cmd.Flags().StringSliceVar(&flagHXXExts, "hxx-exts", []string{".hpp", ".hh", ".hxx", ".h"}, "Extensions treated as headers")
	cmd.Flags().StringVarP(&flagTarget, "target", "t", "a.out", "Output executable path")
	cmd.Flags().StringVar(&flagTargetArgs, "target-args", "", "Arguments passed to the target on launch")
	cmd.Flags().VarP(&flagMode, "mode", "m", "Watch mode, one of "+flagMode.HelpString())
	cmd.Flags().BoolVar(&flagDebug, "debug", false, "Log compile and link command lines")
	cmd.RegisterFlagCompletionFunc("mode", flagMode.CompletionFunc())
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
