// Package logging is a minimal leveled logger writing to stderr.
// Messages at the error level are always printed.
package logging

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarning
	LogLevelBasic
	LogLevelDebug
)

var level = LogLevelBasic

func SetLevel(l LogLevel) {
	level = l
}

func GetLevel() LogLevel {
	return level
}

// FromString parses a log level from its name or numeric value.
// Unknown inputs fall back to the default level.
func FromString(s string) LogLevel {
	if numericLevel, err := strconv.Atoi(s); err == nil {
		return clampLevel(numericLevel)
	}
	switch strings.ToLower(s) {
	case "error":
		return LogLevelError
	case "warning":
		return LogLevelWarning
	case "basic":
		return LogLevelBasic
	case "debug":
		return LogLevelDebug
	}

	return LogLevelBasic
}

func Debugf(format string, args ...any) {
	if level >= LogLevelDebug {
		printStderr(format, args...)
	}
}

func Basicf(format string, args ...any) {
	if level >= LogLevelBasic {
		printStderr(format, args...)
	}
}

func Warningf(format string, args ...any) {
	if level >= LogLevelWarning {
		printStderr(format, args...)
	}
}

func Errorf(format string, args ...any) {
	printStderr(format, args...)
}

func Fatalf(format string, args ...any) {
	printStderr(format, args...)
	os.Exit(1)
}

func clampLevel(numericLevel int) LogLevel {
	if numericLevel < int(LogLevelError) {
		return LogLevelError
	}
	if numericLevel > int(LogLevelDebug) {
		return LogLevelDebug
	}
	return LogLevel(numericLevel)
}

func printStderr(format string, args ...any) {
	out := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	fmt.Fprint(os.Stderr, out)
}
