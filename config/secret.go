package config

import (
	"strings"
)

// Mask replaces the second half of s with asterisks.
func Mask(s string) string {
	l := len(s)
	if l <= 1 {
		return strings.Repeat("*", l)
	}
	h := l / 2
	return s[:h] + strings.Repeat("*", l-h)
}

// Secret is a credential read from configuration. It prints masked with every
// fmt verb and when the configuration is written back out as YAML.
type Secret string

// Value returns the unmasked secret.
func (s Secret) Value() string {
	return string(s)
}

func (s Secret) String() string {
	return Mask(string(s))
}

func (s Secret) GoString() string {
	return s.String()
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Secret) MarshalYAML() (any, error) {
	return s.String(), nil
}
