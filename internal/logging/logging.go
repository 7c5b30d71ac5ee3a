// Package logging builds the logr.Logger handed to every package, backed by
// zap.
package logging

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the sink.
type Options struct {
	// Verbosity enables logr V-levels up to this value.
	Verbosity int
	// JSON switches from the console encoder to JSON lines.
	JSON bool
	// Out defaults to stderr.
	Out io.Writer
}

// New returns a logger and a flush function to defer.
func New(opts Options) (logr.Logger, func()) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	var encoder zapcore.Encoder
	if opts.JSON {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}
	if opts.Verbosity < 0 {
		opts.Verbosity = 0
	}
	// logr V(n) maps to zap level -n.
	level := zap.NewAtomicLevelAt(zapcore.Level(-opts.Verbosity))
	core := zapcore.NewCore(encoder, zapcore.AddSync(out), level)
	zl := zap.New(core)
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }
}
