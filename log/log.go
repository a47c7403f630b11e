// Package log creates loggers of the pipeline. Environment variables
// CORRPIPE_DEBUG and CORRPIPE_LOG_FORMAT control the level and the format.
package log

import (
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var (
	debug  bool
	format string
)

func init() {
	var err error
	debug, err = strconv.ParseBool(os.Getenv("CORRPIPE_DEBUG"))
	if err != nil {
		debug = false
	}
	format = os.Getenv("CORRPIPE_LOG_FORMAT")
}

// GetLogger returns a new logger instance
func GetLogger() *logrus.Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}

// Discard returns a logger that drops all entries. Used when components
// are created without logger.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	l.SetLevel(logrus.PanicLevel)
	return l
}
