package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/gowazen/gowazen"
)

func newValidateCmd(fs afero.Fs, log *logrus.Logger) *cobra.Command {
	var lowLevel bool
	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "decode and compile a module without instantiating it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := gowazen.NewRuntimeConfig()
			if lowLevel {
				cfg = cfg.WithLowLevelCompiler()
			}
			_, _, err := loadAndCompile(context.Background(), fs, log, args[0], cfg)
			if err != nil {
				return err
			}
			cmd.Println("ok")
			return nil
		},
	}
	cmd.Flags().BoolVar(&lowLevel, "low-level", false, "compile with the Low-Level Compiler instead of the default High-Level Compiler")
	return cmd
}
