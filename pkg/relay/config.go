// Copyright 2024-2026 Aiku AI

package relay

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFormat is used for patterns configured without a format.
const DefaultFormat = "{sender} posted in {stream}/{topic}: {content}"

// FilterRule is one configured pattern: a literal substring trigger and the
// template rendered when it fires.
type FilterRule struct {
	Text   string `yaml:"text"`
	Format string `yaml:"format"`
	// IgnoreCase makes this rule match regardless of letter case.
	IgnoreCase bool `yaml:"ignore_case"`
}

// FilterConfig decides which messages are forwarded. Rules are evaluated in
// order and the first match wins, so more specific patterns go first.
type FilterConfig struct {
	Enabled bool         `yaml:"enabled"`
	Rules   []FilterRule `yaml:"patterns"`
}

func (c *FilterConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawFilterConfig FilterConfig
	return node.Decode((*rawFilterConfig)(c))
}

// PostProcess fills default formats and validates the rules.
func (c *FilterConfig) PostProcess() error {
	var errs []error
	for i := range c.Rules {
		if c.Rules[i].Text == "" {
			errs = append(errs, fmt.Errorf("pattern %d: text must not be empty", i))
		}
		if c.Rules[i].Format == "" {
			c.Rules[i].Format = DefaultFormat
		}
	}
	return errors.Join(errs...)
}

// RetryConfig bounds delivery retries for a single chunk.
type RetryConfig struct {
	// MaxAttempts includes the first attempt. Defaults to 3.
	MaxAttempts int           `yaml:"max_attempts"`
	MinBackoff  time.Duration `yaml:"min_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

const (
	defaultMaxAttempts = 3
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
)

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(defaultMaxBackoff, c.MinBackoff)
	}
	return c
}
