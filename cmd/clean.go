// schr clean [path]
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/schr-build/schr/internal/msg"
	"github.com/schr-build/schr/internal/toolchain"
)

func doClean(cmd *cobra.Command, args []string) {
	opts, err := resolveOptions(cmd, args)
	if err != nil {
		msg.Fatal("%v", err)
	}
	tc, err := toolchain.New(opts)
	if err != nil {
		msg.Fatal("%v", err)
	}

	files, err := tc.SourceFiles()
	if err != nil {
		msg.Fatal("%v", err)
	}

	removed := 0
	for _, src := range files {
		if tc.IsHeader(src) {
			continue
		}
		if tc.IsCompiled(src) {
			removed++
		}
		tc.CleanObject(src)
	}
	if err := os.Remove(opts.CacheFilePath()); err == nil {
		msg.Info("removed %s", opts.CacheFilePath())
	}
	msg.Success("removed %d object files", removed)
}

var cleanCmd = &cobra.Command{
	Use:   "clean [path]",
	Short: "Remove object files and the compilation cache",
	Long:  `Remove object files and the compilation cache. If no path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doClean,
}

func init() {
	// schr clean subcommand
	rootCmd.AddCommand(cleanCmd)
	addWatchFlags(cleanCmd)
}
