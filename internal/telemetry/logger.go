// Package telemetry provides the structured logger and the injected
// Emitter used for audit events, traces, and metrics (spec §1, §9 "Global
// state" and the ambient-stack expansion in SPEC_FULL.md). Nothing in
// this package talks to a real trace/metrics backend directly — that is
// the caller's job; this package only shapes the narrow interfaces the
// core code depends on.
package telemetry

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewLogger builds the process logger: zap in production JSON mode (or
// zap's development mode when debug is set), wrapped as a logr.Logger so every package depends on the narrow
// interface rather than zap directly (mirrors the teacher's
// go-logr/zapr pairing).
func NewLogger(debug bool) (logr.Logger, func(), error) {
	var zl *zap.Logger
	var err error
	if debug {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Logger{}, func() {}, err
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}
