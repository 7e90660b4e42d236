// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process wide logger. It discards everything until InitLogger is called.
var Logger = log.NewNopLogger()

// InitLogger builds a leveled go-kit logger writing to stderr in the given format
// (logfmt or json), stores it in Logger and returns it.
func InitLogger(format string, lvl dslog.Level) log.Logger {
	logger := newLogger(format, lvl, log.NewSyncWriter(os.Stderr))

	Logger = logger
	return logger
}

func newLogger(format string, lvl dslog.Level, w io.Writer) log.Logger {
	logger := dslog.NewGoKitWithWriter(format, w)
	logger = level.NewFilter(logger, lvl.Option)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))
}

// CheckFatal logs err and exits the process if err is not nil.
func CheckFatal(location string, err error) {
	if err == nil {
		return
	}

	logger := level.Error(Logger)
	if location != "" {
		logger = log.With(logger, "msg", "error "+location)
	}
	// %+v gets the stack trace from errors using github.com/pkg/errors
	errStr := fmt.Sprintf("%+v", err)
	fmt.Fprintln(os.Stderr, errStr)

	logger.Log("err", errStr)
	os.Exit(1)
}
