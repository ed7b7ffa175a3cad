package postgres

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// GormConfig is the gorm.Config shared by the SQL backends. Timestamps are
// always UTC.
func GormConfig(slogger *slog.Logger, prepare bool) *gorm.Config {
	return &gorm.Config{
		Logger:      NewGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: prepare,
	}
}

// NewGormLogger reports GORM warnings, errors and slow queries through
// slogger. Missing rows are not logged.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	if slogger == nil {
		slogger = slog.Default()
	}
	return logger.New(gormWriter{slogger.With(slog.String("component", "gorm"))}, logger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

type gormWriter struct {
	logger *slog.Logger
}

// Printf only sees messages at Warn or above, so everything lands as a
// warning.
func (w gormWriter) Printf(format string, args ...any) {
	msg := strings.TrimSpace(fmt.Sprintf(format, args...))
	w.logger.Warn(strings.ReplaceAll(msg, "\n", " "))
}
