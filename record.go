// record.go: Log record model
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agilira/iris"
)

// Level is the severity of a record. Levels are ordered and persisted as
// their numeric value.
type Level int8

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"trace", "debug", "info", "warn", "error"}

func (l Level) String() string {
	if l < LevelTrace || l > LevelError {
		return fmt.Sprintf("level(%d)", int8(l))
	}
	return levelNames[l]
}

// ParseLevel converts a level name, case-insensitively, into a Level.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		name = "warn"
	}
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("dbwriter: unknown level %q", s)
}

// UnmarshalText lets a Level be configured by name, as in min_level: warn.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func levelFromIris(l iris.Level) Level {
	switch l {
	case iris.Debug:
		return LevelDebug
	case iris.Info:
		return LevelInfo
	case iris.Warn:
		return LevelWarn
	default:
		return LevelError
	}
}

func levelFromSlog(l slog.Level) Level {
	switch {
	case l < slog.LevelDebug:
		return LevelTrace
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	default:
		return LevelError
	}
}

// Event is what a producer hands to Submit. Zero Time means "now" and an
// empty TaskID is replaced by Config.TaskID.
type Event struct {
	Time    time.Time
	Level   Level
	Target  string
	Message string
	TaskID  string
}

// Record is one persisted row. Records are immutable once built by the
// writer and are passed by value through the queue.
type Record struct {
	Time    time.Time
	Level   Level
	Target  string
	Message string
	Host    string
	TaskID  string
}

// cleanField makes s storable in a TEXT column: invalid UTF-8 becomes
// U+FFFD, NUL bytes are removed, and the result is cut to n bytes.
func cleanField(s string, n int) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return truncate(s, n)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
