// Command gowazen is a small CLI over the gowazen engine facade: run a compiled function in a %.wasm file, or
// just validate that a file decodes and compiles cleanly.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func main() {
	log := logrus.New()
	if err := newRootCmd(afero.NewOsFs(), log).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(fs afero.Fs, log *logrus.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:          "gowazen",
		Short:        "gowazen compiles and runs WebAssembly modules",
		SilenceUsage: true,
	}
	var verbose bool
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(logrus.DebugLevel)
		}
	}
	root.AddCommand(newRunCmd(fs, log), newValidateCmd(fs, log))
	return root
}
