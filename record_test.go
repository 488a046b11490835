// record_test.go: Log record model tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"log/slog"
	"testing"
	"unicode/utf8"

	"github.com/agilira/iris"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "trace", want: LevelTrace},
		{in: "DEBUG", want: LevelDebug},
		{in: " info ", want: LevelInfo},
		{in: "warning", want: LevelWarn},
		{in: "Error", want: LevelError},
		{in: "fatal", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLevel_Ordering(t *testing.T) {
	levels := []Level{LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError}
	for i := 1; i < len(levels); i++ {
		if levels[i-1] >= levels[i] {
			t.Errorf("%s is not below %s", levels[i-1], levels[i])
		}
	}
	if s := Level(42).String(); s != "level(42)" {
		t.Errorf("Level(42).String() = %q", s)
	}
}

func TestLevelMapping(t *testing.T) {
	irisTests := map[iris.Level]Level{
		iris.Debug: LevelDebug,
		iris.Info:  LevelInfo,
		iris.Warn:  LevelWarn,
		iris.Error: LevelError,
	}
	for in, want := range irisTests {
		if got := levelFromIris(in); got != want {
			t.Errorf("levelFromIris(%v) = %s, want %s", in, got, want)
		}
	}

	slogTests := map[slog.Level]Level{
		slog.LevelDebug - 4: LevelTrace,
		slog.LevelDebug:     LevelDebug,
		slog.LevelInfo:      LevelInfo,
		slog.LevelWarn:      LevelWarn,
		slog.LevelError:     LevelError,
		slog.LevelError + 4: LevelError,
	}
	for in, want := range slogTests {
		if got := levelFromSlog(in); got != want {
			t.Errorf("levelFromSlog(%v) = %s, want %s", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"ascii", "hello world", 5, "hello"},
		{"multibyte boundary", "héllo", 2, "h"},
		{"after multibyte", "héllo", 3, "hé"},
		{"emoji", "ok🚀", 4, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.n)
			}
		})
	}
}

func TestCleanField(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"clean", "hello", 64, "hello"},
		{"nul removed", "a\x00b\x00", 64, "ab"},
		{"invalid utf8 replaced", "a\xffb", 64, "a\uFFFDb"},
		{"both", "\x00\xfe\xff", 64, "\uFFFD"},
		{"truncated after cleaning", "\x00\x00abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cleanField(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("cleanField(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestLevel_UnmarshalText(t *testing.T) {
	var l Level
	if err := l.UnmarshalText([]byte("WARNING")); err != nil || l != LevelWarn {
		t.Errorf("UnmarshalText(WARNING) = %s, %v; want warn", l, err)
	}
	if err := l.UnmarshalText([]byte("loud")); err == nil {
		t.Error("UnmarshalText(loud) succeeded")
	}
	if b, _ := LevelError.MarshalText(); string(b) != "error" {
		t.Errorf("MarshalText() = %q, want error", b)
	}
}
