// Package logging builds the zap loggers used by the training binaries.
package logging

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewConfig returns a console logger config with colored levels and no stacktraces.
func NewConfig(debug bool) zap.Config {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// New returns a named console logger.
func New(name string, debug bool) (*zap.SugaredLogger, error) {
	l, err := NewConfig(debug).Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar().Named(name), nil
}

// TeeToFile returns a logger that also writes JSON lines to a rotating file at path.
// The returned closer closes the file.
func TeeToFile(logger *zap.SugaredLogger, path string) (*zap.SugaredLogger, io.Closer) {
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 2,
		Compress:   true,
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	base := logger.Desugar()
	level := zap.LevelEnablerFunc(base.Core().Enabled)
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(sink), level)
	tee := base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	return tee.Sugar(), sink
}
