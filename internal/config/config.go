package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Chat        ChatConfig                `json:"chat"`
	Sessions    SessionConfig             `json:"sessions"`
	Analysis    AnalysisConfig            `json:"analysis"`
	Vision      VisionConfig              `json:"vision"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"dbname"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ChatConfig drives the foreground reply pipeline.
type ChatConfig struct {
	Provider           string       `json:"provider"`
	Model              string       `json:"model"`
	Temperature        float32      `json:"temperature"`
	MaxTokens          int          `json:"max_tokens"`
	HistoryTokenBudget int          `json:"history_token_budget"`
	SystemPrompt       string       `json:"system_prompt"`
	SystemPromptPath   string       `json:"system_prompt_path"`
	Greeting           string       `json:"greeting"`
	Apology            string       `json:"apology"`
	StreamTimeoutSec   int          `json:"stream_timeout_seconds"`
	Pacing             PacingConfig `json:"pacing"`
}

// PacingConfig controls how streamed text is batched and delayed on the way out.
type PacingConfig struct {
	FlushChars      int `json:"flush_chars"`
	FlushIntervalMs int `json:"flush_interval_ms"`
	DelayMinMs      int `json:"delay_min_ms"`
	DelayMaxMs      int `json:"delay_max_ms"`
}

type SessionConfig struct {
	IdleTimeoutHours     int `json:"idle_timeout_hours"`
	SweepIntervalMinutes int `json:"sweep_interval_minutes"`
}

// AnalysisConfig drives background profile extraction. An empty Provider
// leaves only the local keyword strategy.
type AnalysisConfig struct {
	Provider          string   `json:"provider"`
	Model             string   `json:"model"`
	Window            int      `json:"window"`
	TriggerPhrases    []string `json:"trigger_phrases"`
	TimeoutSec        int      `json:"timeout_seconds"`
	MinWorkers        int      `json:"min_workers"`
	MaxWorkers        int      `json:"max_workers"`
	QueueSize         int      `json:"queue_size"`
	WorkerIdleSeconds int      `json:"worker_idle_seconds"`
}

type VisionConfig struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
}

const (
	DefaultServerAddress   = ":8090"
	DefaultGreeting        = "Hey there! I'm Lila, your personal fragrance consultant. Tell me a little about yourself, the scents you love and the ones you can't stand, and I'll help you find something that feels like you."
	DefaultApology         = "I apologize, but I'm having trouble processing your request right now. Could you please try again?"
	DefaultSystemPrompt    = "You are Lila, a warm and knowledgeable fragrance consultant and personal stylist. Keep answers conversational and short, ask one question at a time, and tailor fragrance suggestions to what you learn about the user."
	envAPIKeyPrefix        = "SCENTCHAT_"
	envAPIKeySuffix        = "_API_KEY"
	defaultTemperature     = 0.8
	defaultMaxTokens       = 500
	defaultHistoryBudget   = 3000
	defaultStreamTimeout   = 120
	defaultFlushChars      = 3
	defaultFlushInterval   = 100
	defaultDelayMin        = 50
	defaultDelayMax        = 150
	defaultIdleHours       = 24
	defaultSweepMinutes    = 60
	defaultWindow          = 5
	defaultAnalysisTimeout = 30
	defaultMinWorkers      = 1
	defaultMaxWorkers      = 4
	defaultQueueSize       = 128
	defaultWorkerIdle      = 30
	defaultVisionTokens    = 1000
)

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.resolveAPIKeys()

	if cfg.Chat.SystemPromptPath != "" {
		promptPath := cfg.Chat.SystemPromptPath
		if !filepath.IsAbs(promptPath) {
			promptPath = filepath.Join(filepath.Dir(absPath), promptPath)
		}
		data, err := os.ReadFile(promptPath)
		if err != nil {
			return nil, fmt.Errorf("read system prompt %s: %w", promptPath, err)
		}
		cfg.Chat.SystemPrompt = strings.TrimSpace(string(data))
	}

	for name, db := range cfg.Databases {
		if db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(db.DSN) && isSQLite(name) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with the service defaults.
func (c *Config) ApplyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = DefaultServerAddress
	}

	chat := &c.Chat
	if chat.Temperature == 0 {
		chat.Temperature = defaultTemperature
	}
	if chat.MaxTokens == 0 {
		chat.MaxTokens = defaultMaxTokens
	}
	if chat.HistoryTokenBudget == 0 {
		chat.HistoryTokenBudget = defaultHistoryBudget
	}
	if chat.SystemPrompt == "" {
		chat.SystemPrompt = DefaultSystemPrompt
	}
	if chat.Greeting == "" {
		chat.Greeting = DefaultGreeting
	}
	if chat.Apology == "" {
		chat.Apology = DefaultApology
	}
	if chat.StreamTimeoutSec == 0 {
		chat.StreamTimeoutSec = defaultStreamTimeout
	}
	if chat.Pacing.FlushChars == 0 {
		chat.Pacing.FlushChars = defaultFlushChars
	}
	if chat.Pacing.FlushIntervalMs == 0 {
		chat.Pacing.FlushIntervalMs = defaultFlushInterval
	}
	if chat.Pacing.DelayMinMs == 0 && chat.Pacing.DelayMaxMs == 0 {
		chat.Pacing.DelayMinMs = defaultDelayMin
		chat.Pacing.DelayMaxMs = defaultDelayMax
	}

	if c.Sessions.IdleTimeoutHours == 0 {
		c.Sessions.IdleTimeoutHours = defaultIdleHours
	}
	if c.Sessions.SweepIntervalMinutes == 0 {
		c.Sessions.SweepIntervalMinutes = defaultSweepMinutes
	}

	an := &c.Analysis
	if an.Window == 0 {
		an.Window = defaultWindow
	}
	if an.TimeoutSec == 0 {
		an.TimeoutSec = defaultAnalysisTimeout
	}
	if an.MinWorkers == 0 {
		an.MinWorkers = defaultMinWorkers
	}
	if an.MaxWorkers == 0 {
		an.MaxWorkers = defaultMaxWorkers
	}
	if an.QueueSize == 0 {
		an.QueueSize = defaultQueueSize
	}
	if an.WorkerIdleSeconds == 0 {
		an.WorkerIdleSeconds = defaultWorkerIdle
	}

	if c.Vision.MaxTokens == 0 {
		c.Vision.MaxTokens = defaultVisionTokens
	}
}

// Validate reports the first setting that would prevent startup.
func (c *Config) Validate() error {
	chat := c.Chat
	if chat.Provider == "" {
		return errors.New("chat.provider must be configured")
	}
	if _, ok := c.Providers[chat.Provider]; !ok {
		return fmt.Errorf("chat provider %q is not listed in providers", chat.Provider)
	}
	if chat.HistoryTokenBudget < 0 {
		return errors.New("chat.history_token_budget must not be negative")
	}
	if chat.MaxTokens < 0 {
		return errors.New("chat.max_tokens must not be negative")
	}
	p := chat.Pacing
	if p.FlushChars < 0 || p.FlushIntervalMs < 0 || p.DelayMinMs < 0 || p.DelayMaxMs < 0 {
		return errors.New("chat.pacing values must not be negative")
	}
	if p.DelayMinMs > p.DelayMaxMs {
		return fmt.Errorf("chat.pacing.delay_min_ms (%d) exceeds delay_max_ms (%d)", p.DelayMinMs, p.DelayMaxMs)
	}
	if c.Sessions.IdleTimeoutHours < 0 || c.Sessions.SweepIntervalMinutes < 0 {
		return errors.New("sessions values must not be negative")
	}
	if c.Analysis.Provider != "" {
		if _, ok := c.Providers[c.Analysis.Provider]; !ok {
			return fmt.Errorf("analysis provider %q is not listed in providers", c.Analysis.Provider)
		}
	}
	if c.Vision.Provider != "" {
		if _, ok := c.Providers[c.Vision.Provider]; !ok {
			return fmt.Errorf("vision provider %q is not listed in providers", c.Vision.Provider)
		}
	}
	if c.Analysis.MaxWorkers < c.Analysis.MinWorkers {
		return fmt.Errorf("analysis.max_workers (%d) below min_workers (%d)", c.Analysis.MaxWorkers, c.Analysis.MinWorkers)
	}
	return nil
}

// resolveAPIKeys fills empty provider keys from SCENTCHAT_<PROVIDER>_API_KEY.
func (c *Config) resolveAPIKeys() {
	for name, prov := range c.Providers {
		if prov.APIKey != "" {
			continue
		}
		env := envAPIKeyPrefix + strings.ToUpper(name) + envAPIKeySuffix
		if key := os.Getenv(env); key != "" {
			prov.APIKey = key
			c.Providers[name] = prov
		}
	}
}

func (c ChatConfig) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutSec) * time.Second
}

func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutHours) * time.Hour
}

func (s SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMinutes) * time.Minute
}

func (a AnalysisConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}

func (a AnalysisConfig) WorkerIdle() time.Duration {
	return time.Duration(a.WorkerIdleSeconds) * time.Second
}

func isSQLite(driver string) bool {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
