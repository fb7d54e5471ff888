// Copyright 2025 ByteDance Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log is the leveled, printf-style logger shared by all packages.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type Level = logrus.Level

const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

var std = newLogger(os.Stderr)

func newLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return l
}

// SetLogLevel sets the level of the default logger.
func SetLogLevel(l Level) {
	std.SetLevel(l)
}

// ParseLevel maps a config string to a level, falling back to info.
func ParseLevel(s string) Level {
	l, err := logrus.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return InfoLevel
	}
	return l
}

func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

func IsDebug() bool {
	return std.IsLevelEnabled(DebugLevel)
}

func Debug(format string, args ...any) {
	std.Debugf(format, args...)
}

func Info(format string, args ...any) {
	std.Infof(format, args...)
}

func Warn(format string, args ...any) {
	std.Warnf(format, args...)
}

func Error(format string, args ...any) {
	std.Errorf(format, args...)
}

// Logger carries fixed fields, e.g. the session run id.
type Logger struct {
	entry *logrus.Entry
}

// With returns a Logger that tags every line with key=value.
func With(key string, value any) Logger {
	return Logger{entry: std.WithField(key, value)}
}

func (l Logger) With(key string, value any) Logger {
	return Logger{entry: l.entry.WithField(key, value)}
}

func (l Logger) Debug(format string, args ...any) {
	l.entry.Debugf(format, args...)
}

func (l Logger) Info(format string, args ...any) {
	l.entry.Infof(format, args...)
}

func (l Logger) Warn(format string, args ...any) {
	l.entry.Warnf(format, args...)
}

func (l Logger) Error(format string, args ...any) {
	l.entry.Errorf(format, args...)
}
