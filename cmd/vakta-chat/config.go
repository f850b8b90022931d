package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBaseURL        = "http://127.0.0.1:8000"
	defaultLanguage       = "en"
	defaultConnectTimeout = 15 * time.Second
)

type chatConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	ConversationID string        `yaml:"conversation"`
	Language       string        `yaml:"language"`
	Timezone       string        `yaml:"timezone"`
	WantAudio      bool          `yaml:"audio"`
	HistoryPath    string        `yaml:"history"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Verbose        bool          `yaml:"verbose"`
}

// parseChatConfig resolves configuration in precedence order: flags beat
// the config file, the config file beats environment defaults.
func parseChatConfig(args []string, getenv func(string) string) (chatConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := chatConfig{
		BaseURL:        defaultBaseURL,
		Language:       defaultLanguage,
		ConnectTimeout: defaultConnectTimeout,
	}
	if v := strings.TrimSpace(getenv("VAKTA_BASE_URL")); v != "" {
		cfg.BaseURL = v
	}
	cfg.Token = strings.TrimSpace(getenv("VAKTA_TOKEN"))

	fs := flag.NewFlagSet("vakta-chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var configPath string
	fs.StringVar(&configPath, "config", "", "optional YAML config file")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "chat service base URL (or VAKTA_BASE_URL)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token (or VAKTA_TOKEN)")
	fs.StringVar(&cfg.ConversationID, "conversation", "", "conversation id to join")
	fs.StringVar(&cfg.Language, "language", cfg.Language, "language code sent with each message")
	fs.StringVar(&cfg.Timezone, "timezone", "", "IANA timezone sent with each message")
	fs.BoolVar(&cfg.WantAudio, "audio", false, "request spoken replies")
	fs.StringVar(&cfg.HistoryPath, "history", "", "path to the local SQLite history cache")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "websocket dial timeout")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "log at debug level")

	if err := fs.Parse(args); err != nil {
		return chatConfig{}, err
	}

	if configPath != "" {
		fileCfg, err := loadConfigFile(configPath)
		if err != nil {
			return chatConfig{}, err
		}
		cfg = mergeConfig(fileCfg, cfg, fs)
	}

	if err := validateChatConfig(cfg); err != nil {
		return chatConfig{}, err
	}
	return cfg, nil
}

func loadConfigFile(path string) (chatConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chatConfig{}, fmt.Errorf("read config %q: %w", path, err)
	}
	var cfg chatConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return chatConfig{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// mergeConfig overlays explicitly-set flags onto the file config.
func mergeConfig(file, flags chatConfig, fs *flag.FlagSet) chatConfig {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	merged := file
	if merged.BaseURL == "" || set["base-url"] {
		merged.BaseURL = flags.BaseURL
	}
	if merged.Token == "" || set["token"] {
		merged.Token = flags.Token
	}
	if merged.ConversationID == "" || set["conversation"] {
		merged.ConversationID = flags.ConversationID
	}
	if merged.Language == "" || set["language"] {
		merged.Language = flags.Language
	}
	if merged.Timezone == "" || set["timezone"] {
		merged.Timezone = flags.Timezone
	}
	if set["audio"] {
		merged.WantAudio = flags.WantAudio
	}
	if merged.HistoryPath == "" || set["history"] {
		merged.HistoryPath = flags.HistoryPath
	}
	if merged.ConnectTimeout == 0 || set["connect-timeout"] {
		merged.ConnectTimeout = flags.ConnectTimeout
	}
	if set["verbose"] {
		merged.Verbose = flags.Verbose
	}
	return merged
}

func validateChatConfig(cfg chatConfig) error {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return errors.New("base-url must not be empty")
	}
	baseURL, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || strings.TrimSpace(baseURL.Scheme) == "" || strings.TrimSpace(baseURL.Host) == "" {
		return errors.New("base-url must be a valid absolute URL")
	}
	if baseURL.User != nil {
		return errors.New("base-url must not include credentials")
	}
	if strings.TrimSpace(cfg.ConversationID) == "" {
		return errors.New("conversation must not be empty")
	}
	if cfg.ConnectTimeout <= 0 {
		return errors.New("connect-timeout must be > 0")
	}
	return nil
}
