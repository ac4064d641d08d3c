// Package logging builds the process logger.
package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats accepted by New.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// New returns a logger writing to stdout. format is "console" (coloured,
// human readable) or "json".
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, errors.Wrapf(err, "parse log level %q", level)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalColorLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	switch strings.ToLower(format) {
	case "", FormatConsole:
		enc = zapcore.NewConsoleEncoder(encCfg)
	case FormatJSON:
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		encCfg.EncodeDuration = zapcore.MillisDurationEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, errors.Errorf("unknown log format %q", format)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), lvl)
	return zap.New(core, zap.AddCaller()), nil
}
