package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Conversation ConversationConfig `json:"conversation"`
	Response     ResponseConfig     `json:"response"`
	Insights     InsightsConfig     `json:"insights"`
	Storage      StorageConfig      `json:"storage"`
	Channels     ChannelsConfig     `json:"channels"`
	Log          LogConfig          `json:"log"`
	mu           sync.RWMutex
}

type ConversationConfig struct {
	WindowSize             int `json:"window_size" env:"SHOPKEEPER_CONVERSATION_WINDOW_SIZE"`
	ReferencedItems        int `json:"referenced_items" env:"SHOPKEEPER_CONVERSATION_REFERENCED_ITEMS"`
	SuccessfulInteractions int `json:"successful_interactions" env:"SHOPKEEPER_CONVERSATION_SUCCESSFUL_INTERACTIONS"`
	PersistIntervalSeconds int `json:"persist_interval_seconds" env:"SHOPKEEPER_CONVERSATION_PERSIST_INTERVAL_SECONDS"`
	InactiveMinutes        int `json:"inactive_minutes" env:"SHOPKEEPER_CONVERSATION_INACTIVE_MINUTES"`
}

type ResponseConfig struct {
	LearningThreshold float64 `json:"learning_threshold" env:"SHOPKEEPER_RESPONSE_LEARNING_THRESHOLD"`
	DecayFactor       float64 `json:"decay_factor" env:"SHOPKEEPER_RESPONSE_DECAY_FACTOR"`
	TemplatesFile     string  `json:"templates_file,omitempty" env:"SHOPKEEPER_RESPONSE_TEMPLATES_FILE"`
}

type InsightsConfig struct {
	Enabled       bool    `json:"enabled" env:"SHOPKEEPER_INSIGHTS_ENABLED"`
	Schedule      string  `json:"schedule" env:"SHOPKEEPER_INSIGHTS_SCHEDULE"`
	ActiveDays    int     `json:"active_days" env:"SHOPKEEPER_INSIGHTS_ACTIVE_DAYS"`
	MinConfidence float64 `json:"min_confidence" env:"SHOPKEEPER_INSIGHTS_MIN_CONFIDENCE"`
	MaxPerUser    int     `json:"max_per_user" env:"SHOPKEEPER_INSIGHTS_MAX_PER_USER"`
	SendDelayMS   int     `json:"send_delay_ms" env:"SHOPKEEPER_INSIGHTS_SEND_DELAY_MS"`
	DedupMinutes  int     `json:"dedup_minutes" env:"SHOPKEEPER_INSIGHTS_DEDUP_MINUTES"`
	Concurrency   int     `json:"concurrency" env:"SHOPKEEPER_INSIGHTS_CONCURRENCY"`
}

type StorageConfig struct {
	Backend       string `json:"backend" env:"SHOPKEEPER_STORAGE_BACKEND"` // sqlite | redis
	Path          string `json:"path" env:"SHOPKEEPER_STORAGE_PATH"`
	RedisURL      string `json:"redis_url,omitempty" env:"SHOPKEEPER_STORAGE_REDIS_URL"`
	RedisTTLHours int    `json:"redis_ttl_hours" env:"SHOPKEEPER_STORAGE_REDIS_TTL_HOURS"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"SHOPKEEPER_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"SHOPKEEPER_CHANNELS_DISCORD_ALLOW_FROM"`
}

type LogConfig struct {
	Level  string `json:"level" env:"SHOPKEEPER_LOG_LEVEL"`
	Format string `json:"format" env:"SHOPKEEPER_LOG_FORMAT"` // json | console
}

func DefaultConfig() *Config {
	return &Config{
		Conversation: ConversationConfig{
			WindowSize:             10,
			ReferencedItems:        5,
			SuccessfulInteractions: 20,
			PersistIntervalSeconds: 300,
			InactiveMinutes:        60,
		},
		Response: ResponseConfig{
			LearningThreshold: 0.7,
			DecayFactor:       0.9,
		},
		Insights: InsightsConfig{
			Enabled:       true,
			Schedule:      "*/30 * * * *",
			ActiveDays:    7,
			MinConfidence: 0.6,
			MaxPerUser:    5,
			SendDelayMS:   2000,
			DedupMinutes:  240,
			Concurrency:   4,
		},
		Storage: StorageConfig{
			Backend:       "sqlite",
			Path:          "~/.shopkeeper/state/shopkeeper.db",
			RedisTTLHours: 24 * 30,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads path over the defaults, then applies SHOPKEEPER_* env
// overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.Path)
}

func (c *Config) TemplatesPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Response.TemplatesFile)
}

func (c *Config) PersistInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Conversation.PersistIntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Conversation.PersistIntervalSeconds) * time.Second
}

func (c *Config) InactiveThreshold() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Conversation.InactiveMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Conversation.InactiveMinutes) * time.Minute
}

func (c *Config) SendDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Insights.SendDelayMS < 0 {
		return 0
	}
	return time.Duration(c.Insights.SendDelayMS) * time.Millisecond
}

func (c *Config) DedupWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Insights.DedupMinutes <= 0 {
		return 0
	}
	return time.Duration(c.Insights.DedupMinutes) * time.Minute
}

func (c *Config) RedisTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Storage.RedisTTLHours <= 0 {
		return 0
	}
	return time.Duration(c.Storage.RedisTTLHours) * time.Hour
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
