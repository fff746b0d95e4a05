// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestStdLoggerWritesLevelAndMessage(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLogger(&buf)

	if err := l.Log(LevelError, "boom"); err != nil {
		t.Fatalf("Log: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "ERROR") || !strings.Contains(got, "boom") {
		t.Errorf("Log output = %q, want it to contain ERROR and boom", got)
	}
}

func TestStdLoggerIgnoresEmptyKeyvals(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLogger(&buf)

	if err := l.Log(LevelInfo); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("Log with no keyvals wrote %q, want nothing", buf.String())
	}
}

func TestHelperFormatsAndDelegates(t *testing.T) {
	var buf bytes.Buffer
	h := NewHelper(NewStdLogger(&buf))

	h.Errorf("failed: %s (%d)", "reason", 42)
	got := buf.String()
	if !strings.Contains(got, "failed: reason (42)") {
		t.Errorf("Errorf output = %q, want it to contain the formatted message", got)
	}
}

func TestNewHelperNilLoggerIsSafe(t *testing.T) {
	h := NewHelper(nil)
	h.Infof("should not panic") // discarded, must not panic
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LevelFatal, "FATAL"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}
