package main

import (
	"io"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the process logger. Output goes to stderr, or to a rotated
// file when one is configured.
func newLogger(cfg *Config, stderr io.Writer) (*logrus.Logger, func() error) {
	logger := logrus.New()
	logger.SetLevel(cfg.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	if cfg.LogFile == "" {
		logger.SetOutput(stderr)
		return logger, func() error { return nil }
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:    true,
		DisableColors:    true,
		QuoteEmptyFields: true,
	})
	logger.SetOutput(rotator)
	return logger, rotator.Close
}
