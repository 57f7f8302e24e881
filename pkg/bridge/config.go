// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge configuration.
type Config struct {
	Homeserver struct {
		// Address is the client-server API base URL.
		Address string `yaml:"address"`
		// Domain is the server name used in user IDs.
		Domain string `yaml:"domain"`
	} `yaml:"homeserver"`

	Appservice struct {
		ASToken string `yaml:"as_token"`
		HSToken string `yaml:"hs_token"`
		// BotLocalpart is the localpart of the main bridge bot.
		BotLocalpart string `yaml:"bot_localpart"`
		// SimPrefix is prepended to Discord user IDs to form sim
		// localparts, e.g. _discord_ -> @_discord_123:domain.
		SimPrefix string `yaml:"sim_prefix"`
		// Hostname and Port are where the appservice HTTP listener
		// binds to receive homeserver transactions.
		Hostname string `yaml:"hostname"`
		Port     uint16 `yaml:"port"`
	} `yaml:"appservice"`

	Discord struct {
		BotToken string `yaml:"bot_token"`
	} `yaml:"discord"`

	Database struct {
		// Type is the SQL driver name: sqlite3 or postgres.
		Type string `yaml:"type"`
		URI  string `yaml:"uri"`
	} `yaml:"database"`

	Bridge struct {
		// MaxAttachmentBytes is the size above which Discord attachments
		// are linked instead of reuploaded to the media repo.
		MaxAttachmentBytes int64 `yaml:"max_attachment_bytes"`
		// WebhookName is the name for bridge-created Discord webhooks.
		WebhookName string `yaml:"webhook_name"`
	} `yaml:"bridge"`

	Logging struct {
		// Level is a zerolog level name.
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Homeserver.Address == "" || cfg.Homeserver.Domain == "" {
		return nil, fmt.Errorf("homeserver.address and homeserver.domain are required")
	}
	if cfg.Appservice.ASToken == "" {
		return nil, fmt.Errorf("appservice.as_token is required")
	}
	if cfg.Discord.BotToken == "" {
		return nil, fmt.Errorf("discord.bot_token is required")
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Appservice.BotLocalpart == "" {
		cfg.Appservice.BotLocalpart = "_discord_bot"
	}
	if cfg.Appservice.SimPrefix == "" {
		cfg.Appservice.SimPrefix = "_discord_"
	}
	if cfg.Appservice.Hostname == "" {
		cfg.Appservice.Hostname = "0.0.0.0"
	}
	if cfg.Appservice.Port == 0 {
		cfg.Appservice.Port = 29350
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite3"
	}
	if cfg.Database.URI == "" {
		cfg.Database.URI = "matrix-discord-bridge.db"
	}
	if cfg.Bridge.MaxAttachmentBytes == 0 {
		cfg.Bridge.MaxAttachmentBytes = 20 << 20
	}
	if cfg.Bridge.WebhookName == "" {
		cfg.Bridge.WebhookName = "matrix-discord-bridge"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
