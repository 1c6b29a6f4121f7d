package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/gowazen/gowazen"
	"github.com/gowazen/gowazen/internal/wasm"
)

func newRunCmd(fs afero.Fs, log *logrus.Logger) *cobra.Command {
	var invoke string
	var lowLevel bool
	cmd := &cobra.Command{
		Use:   "run <path> [args...]",
		Short: "instantiate a module and optionally invoke one of its exported functions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg := gowazen.NewRuntimeConfig()
			if lowLevel {
				cfg = cfg.WithLowLevelCompiler()
			}

			rt, compiled, err := loadAndCompile(ctx, fs, log, args[0], cfg)
			if err != nil {
				return err
			}

			log.Debug("instantiating module")
			mod, err := rt.InstantiateModule(ctx, compiled, gowazen.NewModuleConfig())
			if err != nil {
				var linkErr *wasm.LinkError
				if errors.As(err, &linkErr) {
					log.WithError(err).Warn("module failed to link")
				} else {
					log.WithError(err).Warn("module failed to instantiate")
				}
				return err
			}

			if invoke == "" {
				return nil
			}

			fn := mod.ExportedFunction(invoke)
			if fn == nil {
				return fmt.Errorf("no exported function named %q", invoke)
			}

			callArgs, err := parseUint64s(args[1:])
			if err != nil {
				return err
			}

			results, err := fn.Call(ctx, callArgs...)
			if err != nil {
				var trapErr *wasm.TrapError
				if errors.As(err, &trapErr) {
					log.WithError(err).Warn("invocation trapped")
				}
				return err
			}
			for _, r := range results {
				cmd.Println(r)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&invoke, "invoke", "", "name of the exported function to call after instantiation")
	cmd.Flags().BoolVar(&lowLevel, "low-level", false, "compile with the Low-Level Compiler instead of the default High-Level Compiler")
	return cmd
}

func parseUint64s(args []string) ([]uint64, error) {
	out := make([]uint64, len(args))
	for i, a := range args {
		v, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%q) is not an unsigned integer: %w", i, a, err)
		}
		out[i] = v
	}
	return out, nil
}
