// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a command line level name onto a zap level.
// CRITICAL maps to DPanicLevel, which logs without panicking in
// production loggers.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "", "INFO":
		return zapcore.InfoLevel, nil
	case "WARNING", "WARN":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	case "CRITICAL":
		return zapcore.DPanicLevel, nil
	}
	return zapcore.InfoLevel, errors.Errorf("unknown log level %q", name)
}

// Options controls where log output goes.
type Options struct {
	Level zapcore.Level

	// Console receives human readable output.  Nil means stderr.
	Console io.Writer

	// File, if set, additionally receives JSON lines at Level.
	File string
}

// New returns a logger and a function that flushes and closes its
// outputs.
func New(opts Options) (*zap.SugaredLogger, func(), error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	level := zap.NewAtomicLevelAt(opts.Level)

	consoleConfig := zap.NewDevelopmentEncoderConfig()
	consoleConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig),
			zapcore.Lock(zapcore.AddSync(console)), level),
	}

	var file *os.File
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0700); err != nil {
			return nil, nil, errors.Wrap(err, "creating log directory")
		}
		var err error
		file, err = os.OpenFile(opts.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening log file")
		}
		fileConfig := zap.NewProductionEncoderConfig()
		fileConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig),
			zapcore.Lock(file), level))
	}

	l := zap.New(zapcore.NewTee(cores...))
	closer := func() {
		_ = l.Sync()
		if file != nil {
			file.Close()
		}
	}
	return l.Sugar(), closer, nil
}
