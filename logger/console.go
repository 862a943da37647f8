package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

const isWindows = runtime.GOOS == "windows"

var noColor = os.Getenv("TERM") == "dumb" ||
	(!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()))

const (
	Reset       = "\033[0m"
	Red         = "\033[31m"
	Green       = "\033[32m"
	Magenta     = "\033[35m"
	WhiteBold   = "\033[37;1m"
	BlueBold    = "\033[34;1m"
	CyanBold    = "\033[36;1m"
	MagentaBold = "\033[35;1m"
	RedBold     = "\033[31;1m"
	YellowBold  = "\033[33;1m"
	Gray        = "\033[1;90m"
	Purple      = "\u001b[38;5;200m"
)

type levelStyle struct {
	name    string
	level   string
	message string
}

var consoleStyles = map[LogLevel]levelStyle{
	LevelTrace: {"TRACE", CyanBold, Gray},
	LevelDebug: {"DEBUG", BlueBold, Green},
	LevelInfo:  {"INFO", YellowBold, WhiteBold},
	LevelWarn:  {"WARN", MagentaBold, Magenta},
	LevelError: {"ERROR", RedBold, Red},
}

type consoleLogger struct {
	prefixes []string
	metadata map[string]interface{}
	traceID  string
	logLevel LogLevel
	colors   bool
	out      io.Writer
	mu       *sync.Mutex
}

var _ Logger = (*consoleLogger)(nil)

func (c *consoleLogger) color(val string) string {
	if !c.colors {
		return ""
	}
	return val
}

func (c *consoleLogger) clone() *consoleLogger {
	prefixes := make([]string, len(c.prefixes))
	copy(prefixes, c.prefixes)
	return &consoleLogger{
		prefixes: prefixes,
		metadata: cloneMetadata(c.metadata),
		traceID:  c.traceID,
		logLevel: c.logLevel,
		colors:   c.colors,
		out:      c.out,
		mu:       c.mu,
	}
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range metadata {
		clone.metadata[k] = v
	}
	return clone
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	if !slices.Contains(clone.prefixes, prefix) {
		clone.prefixes = append(clone.prefixes, prefix)
	}
	return clone
}

func (c *consoleLogger) WithContext(ctx context.Context) Logger {
	clone := c.clone()
	if id := traceIDFromContext(ctx); id != "" {
		clone.traceID = id
	}
	return clone
}

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel && level != LevelNone
}

func (c *consoleLogger) log(level LogLevel, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	style := consoleStyles[level]
	text := msg
	if len(args) > 0 {
		text = fmt.Sprintf(msg, args...)
	}
	var prefix, suffix string
	if len(c.prefixes) > 0 {
		prefix = c.color(Purple) + strings.Join(c.prefixes, " ") + c.color(Reset) + " "
	}
	meta := c.metadata
	if c.traceID != "" {
		meta = cloneMetadata(meta)
		meta["trace"] = c.traceID
	}
	if len(meta) > 0 {
		buf, _ := json.Marshal(meta)
		suffix = " " + c.color(Gray) + string(buf) + c.color(Reset)
	}
	pad := ""
	if len(style.name) < 5 {
		pad = strings.Repeat(" ", 5-len(style.name))
	}
	line := fmt.Sprintf("%s %s%s%s\n",
		c.color(style.level)+"["+style.name+"]"+pad+c.color(Reset),
		prefix,
		c.color(style.message)+text+c.color(Reset),
		suffix,
	)
	if !c.colors {
		line = ansiColorStripper.ReplaceAllString(line, "")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.out, line)
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) { c.log(LevelTrace, msg, args...) }
func (c *consoleLogger) Debug(msg string, args ...interface{}) { c.log(LevelDebug, msg, args...) }
func (c *consoleLogger) Info(msg string, args ...interface{})  { c.log(LevelInfo, msg, args...) }
func (c *consoleLogger) Warn(msg string, args ...interface{})  { c.log(LevelWarn, msg, args...) }
func (c *consoleLogger) Error(msg string, args ...interface{}) { c.log(LevelError, msg, args...) }

func (c *consoleLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
	os.Exit(1)
}

// NewConsoleLogger returns a new Logger instance which will log to stderr.
// If no level is given the level is read from the environment.
func NewConsoleLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return NewConsoleLoggerWithWriter(os.Stderr, level, !isWindows && !noColor)
}

// NewConsoleLoggerWithWriter returns a console Logger writing to out.
func NewConsoleLoggerWithWriter(out io.Writer, level LogLevel, colors bool) Logger {
	return &consoleLogger{
		metadata: make(map[string]interface{}),
		logLevel: level,
		colors:   colors,
		out:      out,
		mu:       &sync.Mutex{},
	}
}
