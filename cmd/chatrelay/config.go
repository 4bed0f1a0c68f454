// Copyright 2024-2026 Aiku AI

package main

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/chatrelay/pkg/relay"
	"github.com/aiku/chatrelay/pkg/sink/matrix"
	mmsink "github.com/aiku/chatrelay/pkg/sink/mattermost"
	"github.com/aiku/chatrelay/pkg/sink/slack"
	"github.com/aiku/chatrelay/pkg/sink/telegram"
	mmsource "github.com/aiku/chatrelay/pkg/source/mattermost"
	"github.com/aiku/chatrelay/pkg/source/zulip"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the full process configuration.
type Config struct {
	Logging  LoggingConfig      `yaml:"logging"`
	Metrics  MetricsConfig      `yaml:"metrics"`
	Source   SourceConfig       `yaml:"source"`
	Sink     SinkConfig         `yaml:"sink"`
	Delivery relay.RetryConfig  `yaml:"delivery"`
	Filter   relay.FilterConfig `yaml:"message_filter"`
}

type LoggingConfig struct {
	MinLevel string `yaml:"min_level"`
	Format   string `yaml:"format"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type SourceConfig struct {
	Type       string          `yaml:"type"`
	Zulip      zulip.Config    `yaml:"zulip"`
	Mattermost mmsource.Config `yaml:"mattermost"`
}

type SinkConfig struct {
	Type           string          `yaml:"type"`
	ChatID         string          `yaml:"chat_id"`
	MaxChunkLength int             `yaml:"max_chunk_length"`
	Telegram       telegram.Config `yaml:"telegram"`
	Matrix         matrix.Config   `yaml:"matrix"`
	Mattermost     mmsink.Config   `yaml:"mattermost"`
	Slack          slack.Config    `yaml:"slack"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// applyEnv overrides secrets from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("CHATRELAY_ZULIP_API_KEY"); v != "" {
		c.Source.Zulip.APIKey = v
	}
	if v := getenv("CHATRELAY_MATTERMOST_TOKEN"); v != "" {
		c.Source.Mattermost.Token = v
	}
	if v := getenv("CHATRELAY_SINK_CHAT_ID"); v != "" {
		c.Sink.ChatID = v
	}
	if v := getenv("CHATRELAY_SINK_TOKEN"); v != "" {
		switch c.Sink.Type {
		case "telegram":
			c.Sink.Telegram.Token = v
		case "matrix":
			c.Sink.Matrix.AccessToken = v
		case "mattermost":
			c.Sink.Mattermost.Token = v
		case "slack":
			c.Sink.Slack.Token = v
		}
	}
}

// PostProcess validates the config. Every problem is reported, not just
// the first.
func (c *Config) PostProcess() error {
	var errs []error

	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}
	if _, err := zerolog.ParseLevel(c.Logging.MinLevel); err != nil {
		errs = append(errs, fmt.Errorf("logging.min_level: %w", err))
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "pretty"
	case "pretty", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	var missing []string
	switch c.Source.Type {
	case "zulip":
		missing = c.Source.Zulip.Missing()
	case "mattermost":
		missing = c.Source.Mattermost.Missing()
	default:
		errs = append(errs, fmt.Errorf("source.type: unknown source %q", c.Source.Type))
	}
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required source.%s config: %s", c.Source.Type, strings.Join(missing, ", ")))
	}

	missing = nil
	switch c.Sink.Type {
	case "telegram":
		missing = c.Sink.Telegram.Missing()
	case "matrix":
		missing = c.Sink.Matrix.Missing()
	case "mattermost":
		missing = c.Sink.Mattermost.Missing()
	case "slack":
		missing = c.Sink.Slack.Missing()
	default:
		errs = append(errs, fmt.Errorf("sink.type: unknown sink %q", c.Sink.Type))
	}
	if c.Sink.ChatID == "" {
		missing = append(missing, "chat_id")
	}
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required sink.%s config: %s", c.Sink.Type, strings.Join(missing, ", ")))
	}
	if c.Sink.MaxChunkLength < 0 {
		errs = append(errs, errors.New("sink.max_chunk_length must not be negative"))
	}

	if err := c.Filter.PostProcess(); err != nil {
		errs = append(errs, fmt.Errorf("message_filter: %w", err))
	}
	return errors.Join(errs...)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "logging", "min_level")
	helper.Copy(up.Str, "logging", "format")
	helper.Copy(up.Str, "metrics", "listen_addr")

	helper.Copy(up.Str, "source", "type")
	helper.Copy(up.Str, "source", "zulip", "site")
	helper.Copy(up.Str, "source", "zulip", "email")
	helper.Copy(up.Str, "source", "zulip", "api_key")
	helper.Copy(up.Str, "source", "zulip", "stream")
	helper.Copy(up.Bool, "source", "zulip", "apply_markdown")
	helper.Copy(up.Str, "source", "zulip", "reconnect_delay")
	helper.Copy(up.Str, "source", "zulip", "poll_timeout")
	helper.Copy(up.Str, "source", "mattermost", "server_url")
	helper.Copy(up.Str, "source", "mattermost", "token")
	helper.Copy(up.List, "source", "mattermost", "channels")
	helper.Copy(up.Str, "source", "mattermost", "reconnect_delay")

	helper.Copy(up.Str, "sink", "type")
	helper.Copy(up.Str|up.Int, "sink", "chat_id")
	helper.Copy(up.Int, "sink", "max_chunk_length")
	helper.Copy(up.Str, "sink", "telegram", "bot_token")
	helper.Copy(up.Str, "sink", "telegram", "api_url")
	helper.Copy(up.Str, "sink", "telegram", "parse_mode")
	helper.Copy(up.Bool, "sink", "telegram", "disable_web_page_preview")
	helper.Copy(up.Str, "sink", "telegram", "timeout")
	helper.Copy(up.Str, "sink", "matrix", "homeserver_url")
	helper.Copy(up.Str, "sink", "matrix", "user_id")
	helper.Copy(up.Str, "sink", "matrix", "access_token")
	helper.Copy(up.Str, "sink", "matrix", "msgtype")
	helper.Copy(up.Bool, "sink", "matrix", "plain_text")
	helper.Copy(up.Str, "sink", "mattermost", "server_url")
	helper.Copy(up.Str, "sink", "mattermost", "token")
	helper.Copy(up.Str, "sink", "slack", "token")
	helper.Copy(up.Str, "sink", "slack", "username")
	helper.Copy(up.Str, "sink", "slack", "icon_url")
	helper.Copy(up.Str, "sink", "slack", "api_url")

	helper.Copy(up.Int, "delivery", "max_attempts")
	helper.Copy(up.Str, "delivery", "min_backoff")
	helper.Copy(up.Str, "delivery", "max_backoff")

	helper.Copy(up.Bool, "message_filter", "enabled")
	helper.Copy(up.List, "message_filter", "patterns")
}

func configUpgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         nil,
		Base:           ExampleConfig,
	}
}

// loadConfig upgrades the file at path against the example config, then
// decodes and validates it.
func loadConfig(path string, save bool, getenv func(string) string) (*Config, error) {
	data, _, err := up.Do(path, save, configUpgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv(getenv)
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
