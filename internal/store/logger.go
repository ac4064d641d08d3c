package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultSlowThreshold is the statement duration logged as slow.
const DefaultSlowThreshold = 200 * time.Millisecond

// gormLogger routes gorm's statement and driver logs to zap.
type gormLogger struct {
	log           *zap.Logger
	level         logger.LogLevel
	slowThreshold time.Duration
}

func newGormLogger(log *zap.Logger, level logger.LogLevel) *gormLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return &gormLogger{
		log:           log,
		level:         level,
		slowThreshold: DefaultSlowThreshold,
	}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *l
	c.level = level
	return &c
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.log.Sugar().Infof(msg, data...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.log.Sugar().Warnf(msg, data...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.log.Sugar().Errorf(msg, data...)
	}
}

// Trace logs one statement. Missing rows are reported to callers as
// ErrNotFound and are not logged.
func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)

	switch {
	case err != nil && l.level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.log.Error("sql error",
			zap.Error(err),
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed))
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= logger.Warn:
		sql, rows := fc()
		l.log.Warn("slow sql",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", l.slowThreshold))
	case l.level >= logger.Info:
		sql, rows := fc()
		l.log.Debug("sql",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed))
	}
}
