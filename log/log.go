// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log provides a minimal leveled logging facade used throughout
// unwindcore, in the same shape the host is expected to supply: a Logger
// interface, a Helper that adds printf-style convenience methods, and a
// level Filter so verbose tracing can be compiled in but switched off.
package log

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// Level is a logging severity.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Logger is the minimal sink every component in unwindcore writes through.
type Logger interface {
	Log(level Level, keyvals ...interface{}) error
}

// stdLogger adapts a standard library *log.Logger into a Logger.
type stdLogger struct {
	mu  sync.Mutex
	std *log.Logger
}

// NewStdLogger builds a Logger that writes to w, one line per call.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{std: log.New(w, "", log.LstdFlags)}
}

func (l *stdLogger) Log(level Level, keyvals ...interface{}) error {
	if len(keyvals) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.std.Println(append([]interface{}{level.String()}, keyvals...)...)
	return nil
}

// Helper wraps a Logger with printf-style convenience methods, mirroring
// the helper a caller gets back from a structured logging facade.
type Helper struct {
	logger Logger
}

// NewHelper wraps logger in a Helper.
func NewHelper(logger Logger) *Helper {
	if logger == nil {
		logger = NewStdLogger(io.Discard)
	}
	return &Helper{logger: logger}
}

func (h *Helper) Debugf(format string, a ...interface{}) {
	h.logger.Log(LevelDebug, fmt.Sprintf(format, a...))
}

func (h *Helper) Infof(format string, a ...interface{}) {
	h.logger.Log(LevelInfo, fmt.Sprintf(format, a...))
}

func (h *Helper) Warnf(format string, a ...interface{}) {
	h.logger.Log(LevelWarn, fmt.Sprintf(format, a...))
}

func (h *Helper) Errorf(format string, a ...interface{}) {
	h.logger.Log(LevelError, fmt.Sprintf(format, a...))
}
