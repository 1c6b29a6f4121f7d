package main

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/gowazen/gowazen"
	"github.com/gowazen/gowazen/internal/wasm"
)

// loadAndCompile reads path through fs and compiles it under cfg, logging each stage at Debug and classifying
// any failure by its concrete error kind (per SPEC_FULL.md §2's "errors.As, never string matching" rule) so the
// caller can report it without re-parsing the message.
func loadAndCompile(ctx context.Context, fs afero.Fs, log *logrus.Logger, path string, cfg *gowazen.RuntimeConfig) (
	*gowazen.Runtime, *gowazen.CompiledModule, error,
) {
	log.Debugf("reading %s", path)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "reading %s", path)
	}

	rt := gowazen.NewRuntime(cfg)

	log.Debug("decoding and compiling module")
	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		logCompileError(log, err)
		return nil, nil, err
	}
	return rt, compiled, nil
}

// logCompileError emits a Warn-level line classifying err by its concrete kind, rather than relying on its
// message text.
func logCompileError(log *logrus.Logger, err error) {
	var decodeErr *wasm.DecodeError
	var validationErr *wasm.ValidationError
	switch {
	case errors.As(err, &decodeErr):
		log.WithError(err).Warn("module failed to decode")
	case errors.As(err, &validationErr):
		log.WithError(err).Warn("module failed validation")
	default:
		log.WithError(err).Warn("module failed to compile")
	}
}
