// Package logging configures the shared logrus.Logger used across this
// module and provides small helpers for tagging log lines with the
// domain identifiers (NAME, address) that recur throughout address
// claiming and transport.
package logging

import (
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/guoh27/j1939/config"
	"github.com/guoh27/j1939/j1939"
)

// New builds a logrus.Logger from cfg: a text formatter to stderr, or, when
// cfg.File.Enabled, to a lumberjack-rotated file instead of stderr.
func New(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.File.Enabled {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxAge:     cfg.File.MaxAgeDays,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   true,
		})
	}

	return log
}

// WithMachine tags an entry with the NAME of the state-machine instance
// producing it, matching claimer.Claimer's own per-instance logging
// (spec.md §6).
func WithMachine(log *logrus.Logger, name j1939.NAME) *logrus.Entry {
	return log.WithField("name", uint64(name))
}
