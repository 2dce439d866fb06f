// Package log builds the logrus-backed dlog roots used by production
// callers. Tests use dlog.NewTestContext instead.
package log

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// MakeBaseLogger returns a dlog.Logger over a logrus logger at the given
// level ("debug", "info", ...). An unparsable level falls back to info.
func MakeBaseLogger(level string) dlog.Logger {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.0000",
	})
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	logrusLogger.SetLevel(lv)
	logrusLogger.SetReportCaller(false)
	return dlog.WrapLogrus(logrusLogger)
}

// WithLogging returns ctx carrying a logger from MakeBaseLogger.
func WithLogging(ctx context.Context, level string) context.Context {
	return dlog.WithLogger(ctx, MakeBaseLogger(level))
}
