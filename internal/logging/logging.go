// SPDX-License-Identifier: GPL-3.0-or-later

// Package logging provides named, independently-leveled loggers, the same
// shape as the teacher's log package, generalized from IMAP/spamassassin
// component names to the warmup worker's own components.
package logging

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	Main       = "MAIN"
	Ingest     = "INGEST"
	Batch      = "BATCH"
	Queue      = "QUEUE"
	Cooldown   = "COOLDOWN"
	Credential = "CREDENTIAL"
	Dispatch   = "DISPATCH"
	Rescue     = "RESCUE"
	Store      = "STORE"
)

var loggers map[string]*logrus.Logger

type prefixFormatter struct {
	inner  logrus.Formatter
	prefix []byte
}

func (f *prefixFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	text, err := f.inner.Format(entry)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, f.prefix...), text...), nil
}

func newPrefixFormatter(name string) *prefixFormatter {
	formatter := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
		DisableColors:   strings.Contains(runtime.GOOS, "windows"),
	}
	return &prefixFormatter{
		inner:  formatter,
		prefix: []byte(fmt.Sprintf("%s:\t", name)),
	}
}

func levelFor(loglevel string) logrus.Level {
	switch strings.ToLower(loglevel) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "panic":
		return logrus.PanicLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Init creates every named logger at the given level. Must be called once
// at process startup before Logger is used.
func Init(loglevel string) {
	loggers = make(map[string]*logrus.Logger)
	for _, name := range []string{
		Main, Ingest, Batch, Queue, Cooldown, Credential, Dispatch, Rescue, Store,
	} {
		l := logrus.New()
		l.Level = levelFor(loglevel)
		l.Formatter = newPrefixFormatter(name)
		loggers[name] = l
	}
}

// SetLevel adjusts the level of every named logger at runtime.
func SetLevel(loglevel string) {
	lvl := levelFor(loglevel)
	for _, l := range loggers {
		l.Level = lvl
	}
}

// Logger returns the named logger. Panics if Init was not called or the
// name is unknown, matching the teacher's fail-fast behavior for a
// programmer error.
func Logger(name string) *logrus.Logger {
	l, ok := loggers[name]
	if !ok {
		panic("logging: unknown logger " + name)
	}
	return l
}
