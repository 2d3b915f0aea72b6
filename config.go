package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"tgiedit/engine"
	"tgiedit/types"

	"github.com/BurntSushi/toml"
)

const (
	configEnv     = "TGIEDIT_CONFIG"      // JSON object, overrides the file
	configFileEnv = "TGIEDIT_CONFIG_FILE" // TOML file used when --config is not given
)

type Config struct {
	APIURL                 string `json:"api_url" toml:"api_url"`
	APIKey                 string `json:"api_key" toml:"api_key"`
	Model                  string `json:"model" toml:"model"`
	MaxTokens              int    `json:"max_tokens" toml:"max_tokens"`
	CompletionTimeout      int    `json:"completion_timeout" toml:"completion_timeout"` // in milliseconds, 0 = none
	RefreshInterval        int    `json:"refresh_interval" toml:"refresh_interval"`     // in milliseconds
	Brotli                 bool   `json:"brotli" toml:"brotli"`
	InlineSystemPrompt     string `json:"inline_system_prompt" toml:"inline_system_prompt"`
	ChatSystemPrompt       string `json:"chat_system_prompt" toml:"chat_system_prompt"`
	ChatTitle              string `json:"chat_title" toml:"chat_title"`
	DebugImmediateShutdown bool   `json:"debug_immediate_shutdown" toml:"debug_immediate_shutdown"`
	LogLevel               string `json:"log_level" toml:"log_level"` // trace, debug, info, warn, error
}

func defaultConfig() Config {
	return Config{
		APIURL:             "http://localhost:8080/v1/chat/completions",
		Model:              "tgi",
		MaxTokens:          8192,
		RefreshInterval:    50,
		InlineSystemPrompt: engine.DefaultInlineSystemPrompt,
		ChatSystemPrompt:   engine.DefaultChatSystemPrompt,
		ChatTitle:          engine.DefaultChatTitle,
		LogLevel:           "info",
	}
}

// loadConfig layers the TOML file (path, or $TGIEDIT_CONFIG_FILE) and then
// the JSON in $TGIEDIT_CONFIG over the defaults
func loadConfig(path string) (Config, error) {
	config := defaultConfig()

	if path == "" {
		path = os.Getenv(configFileEnv)
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return config, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if raw := strings.TrimSpace(os.Getenv(configEnv)); raw != "" {
		if err := json.Unmarshal([]byte(raw), &config); err != nil {
			return config, fmt.Errorf("invalid %s: %w", configEnv, err)
		}
	}

	return config, config.validate()
}

func (c Config) validate() error {
	switch {
	case c.APIURL == "":
		return fmt.Errorf("api_url is required")
	case c.MaxTokens <= 0:
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	case c.CompletionTimeout < 0:
		return fmt.Errorf("completion_timeout must not be negative, got %d", c.CompletionTimeout)
	case c.RefreshInterval < 0:
		return fmt.Errorf("refresh_interval must not be negative, got %d", c.RefreshInterval)
	}
	return nil
}

func (c Config) engineConfig() engine.EngineConfig {
	return engine.EngineConfig{
		Generation: types.GenerationConfig{
			APIURL:             c.APIURL,
			APIKey:             c.APIKey,
			Model:              c.Model,
			MaxTokens:          c.MaxTokens,
			CompletionTimeout:  c.CompletionTimeout,
			InlineSystemPrompt: c.InlineSystemPrompt,
			ChatSystemPrompt:   c.ChatSystemPrompt,
		},
		RefreshInterval: time.Duration(c.RefreshInterval) * time.Millisecond,
		ChatTitle:       c.ChatTitle,
	}
}

// String hides the API key when the config is logged
func (c Config) String() string {
	redacted := c
	if redacted.APIKey != "" {
		redacted.APIKey = "***"
	}
	type plain Config
	return fmt.Sprintf("%+v", plain(redacted))
}
