// ephemera - An ephemeral conversational messaging core.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	"gopkg.in/yaml.v3"

	"github.com/lrhodin/ephemera/pkg/messaging"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	UserID   string         `yaml:"user_id"`
	Database dbutil.Config  `yaml:"database"`
	Messages MessagesConfig `yaml:"messages"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Media    MediaConfig    `yaml:"media"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type MessagesConfig struct {
	Lifetime   time.Duration       `yaml:"lifetime"`
	PageSize   int                 `yaml:"page_size"`
	CacheSize  int                 `yaml:"cache_size"`
	SendGuard  messaging.SendGuard `yaml:"send_guard"`
	PurgeGrace time.Duration       `yaml:"purge_grace"`
}

type Transport string

const (
	TransportLocal   Transport = "local"
	TransportNATS    Transport = "nats"
	TransportRedis   Transport = "redis"
	TransportDBWatch Transport = "dbwatch"
)

type RealtimeConfig struct {
	Transport     Transport     `yaml:"transport"`
	NATSURL       string        `yaml:"nats_url"`
	RedisURL      string        `yaml:"redis_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	QuietWindow   time.Duration `yaml:"quiet_window"`
}

type MediaConfig struct {
	Directory string `yaml:"directory"`
	MaxSize   int64  `yaml:"max_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	MinLevel   string `yaml:"min_level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	// The pgx stdlib driver registers itself as "pgx".
	if strings.HasPrefix(c.Database.Type, "postgres") {
		c.Database.Type = "pgx"
	}
	if c.Messages.Lifetime <= 0 {
		return fmt.Errorf("messages.lifetime must be positive")
	}
	switch c.Messages.SendGuard {
	case "":
		c.Messages.SendGuard = messaging.SendGuardConversation
	case messaging.SendGuardConversation, messaging.SendGuardGlobal:
	default:
		return fmt.Errorf("unknown messages.send_guard %q", c.Messages.SendGuard)
	}
	switch c.Realtime.Transport {
	case "":
		c.Realtime.Transport = TransportLocal
	case TransportLocal, TransportNATS, TransportRedis:
	case TransportDBWatch:
		if !strings.HasPrefix(c.Database.Type, "sqlite") {
			return fmt.Errorf("realtime.transport dbwatch requires a sqlite3 database")
		}
	default:
		return fmt.Errorf("unknown realtime.transport %q", c.Realtime.Transport)
	}
	if c.Realtime.SubjectPrefix == "" {
		c.Realtime.SubjectPrefix = "ephemera"
	}
	return nil
}

// DatabasePath returns the file path of an SQLite database URI, or an empty
// string for other databases and in-memory SQLite.
func (c *Config) DatabasePath() string {
	if !strings.HasPrefix(c.Database.Type, "sqlite") {
		return ""
	}
	path := strings.TrimPrefix(c.Database.URI, "file:")
	path, _, _ = strings.Cut(path, "?")
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "user_id")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "conn_max_idle_time")
	helper.Copy(up.Str|up.Null, "database", "conn_max_lifetime")

	helper.Copy(up.Str, "messages", "lifetime")
	helper.Copy(up.Int, "messages", "page_size")
	helper.Copy(up.Int, "messages", "cache_size")
	helper.Copy(up.Str, "messages", "send_guard")
	helper.Copy(up.Str, "messages", "purge_grace")

	helper.Copy(up.Str, "realtime", "transport")
	helper.Copy(up.Str, "realtime", "nats_url")
	helper.Copy(up.Str, "realtime", "redis_url")
	helper.Copy(up.Str, "realtime", "subject_prefix")
	helper.Copy(up.Str, "realtime", "quiet_window")

	helper.Copy(up.Str, "media", "directory")
	helper.Copy(up.Int, "media", "max_size")

	helper.Copy(up.Bool, "metrics", "enabled")
	helper.Copy(up.Str, "metrics", "listen")

	helper.Copy(up.Str, "logging", "min_level")
	helper.Copy(up.Bool, "logging", "json")
	helper.Copy(up.Str, "logging", "file")
	helper.Copy(up.Int, "logging", "max_size")
	helper.Copy(up.Int, "logging", "max_backups")
	helper.Copy(up.Int, "logging", "max_age")
	helper.Copy(up.Bool, "logging", "compress")
}

var upgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks: [][]string{
		{"database"},
		{"messages"},
		{"realtime"},
		{"media"},
		{"metrics"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// Load reads the config at path, fills in options missing from it with the
// defaults from the example config and parses the result. With save set, the
// merged file is written back. The EPHEMERA_USER environment variable
// overrides user_id.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML without merging defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if user := os.Getenv("EPHEMERA_USER"); user != "" {
		cfg.UserID = user
	}
	return &cfg, nil
}

// WriteExample writes the example config to path unless a file already exists there.
func WriteExample(path string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	_, err = file.WriteString(ExampleConfig)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	return err
}
