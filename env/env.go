// Package env resolves process settings from flags, the environment and
// optional .env files.
package env

import (
	"log"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/logger"
	"github.com/spf13/cobra"
)

// Prefix is prepended to every environment variable the module reads.
const Prefix = "FITLAB_"

type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseEnvFile parses a .env file. A missing file yields no lines.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return []EnvLine{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", filename)
	}
	return ParseEnvBuffer(buf), nil
}

func dequote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// expand replaces ${NAME} and ${NAME:-default} references. NAME is looked up
// in known first and then, with an env: prefix, in the process environment.
// Unresolved references without a default are kept verbatim.
func expand(val string, known map[string]string) string {
	if !strings.Contains(val, "${") {
		return val
	}
	return os.Expand(val, func(ref string) string {
		name, def, hasDef := strings.Cut(ref, ":-")
		var v string
		if osName, ok := strings.CutPrefix(name, "env:"); ok {
			v = os.Getenv(osName)
		} else {
			v = known[name]
		}
		switch {
		case v != "":
			return v
		case hasDef:
			return def
		}
		return "${" + ref + "}"
	})
}

// ParseEnvBuffer parses KEY=value lines, skipping blanks and # comments.
// Values may reference earlier or later keys.
func ParseEnvBuffer(buf []byte) []EnvLine {
	envs := []EnvLine{}
	known := make(map[string]string)
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, _ := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		val = expand(dequote(strings.TrimSpace(val)), known)
		known[key] = val
		envs = append(envs, EnvLine{Key: key, Val: val})
	}
	// second pass picks up forward references
	for i := range envs {
		envs[i].Val = expand(envs[i].Val, known)
	}
	return envs
}

// LoadEnvFile sets every variable in filename that is not already set in the
// process environment.
func LoadEnvFile(filename string) error {
	envs, err := ParseEnvFile(filename)
	if err != nil {
		return err
	}
	for _, e := range envs {
		if _, ok := os.LookupEnv(e.Key); ok {
			continue
		}
		if err := os.Setenv(e.Key, e.Val); err != nil {
			return errors.Wrapf(err, "set %s", e.Key)
		}
	}
	return nil
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

// LogLevel resolves --log-level, then FITLAB_LOG_LEVEL, defaulting to info.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	level, _ := logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.LevelEnv, "info"))
	return level
}

// NewLogger returns a console logger, or a JSON logger when --log-format (or
// FITLAB_LOG_FORMAT) is json, at the level given by LogLevel.
func NewLogger(cmd *cobra.Command) logger.Logger {
	log.SetFlags(0)
	level := LogLevel(cmd)
	if strings.EqualFold(FlagOrEnv(cmd, "log-format", Prefix+"LOG_FORMAT", "console"), "json") {
		return logger.NewJSONLoggerWithSink(os.Stderr, level)
	}
	return logger.NewConsoleLogger(level)
}
