package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port string `yaml:"port"`

	TelegramBotToken string `yaml:"telegram_bot_token"`
	WebhookURL       string `yaml:"webhook_url"`

	BackendURL     string        `yaml:"backend_url"`
	BackendTimeout time.Duration `yaml:"backend_timeout"`

	DatabaseURL string `yaml:"database_url"`
	LogMode     string `yaml:"log_mode"`

	// Максимальный размер PDF для обучения, байт
	MaxDocumentBytes int64 `yaml:"max_document_bytes"`

	Poll     PollConfig `yaml:"poll"`
	Defaults Defaults   `yaml:"defaults"`
}

type PollConfig struct {
	Interval         time.Duration `yaml:"interval"`
	MaxWait          time.Duration `yaml:"max_wait"`
	MaxAttempts      int           `yaml:"max_attempts"`
	TransportRetries int           `yaml:"transport_retries"`
}

// Defaults - начальные настройки новой сессии автора.
type Defaults struct {
	QuestionCount int    `yaml:"question_count"`
	Model         string `yaml:"model"`
	Difficulty    string `yaml:"difficulty"`
	Level         int    `yaml:"level"`
	DocumentPath  string `yaml:"document_path"`
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func defaults() *Config {
	return &Config{
		Port:             "8080",
		BackendURL:       "http://127.0.0.1:8000",
		BackendTimeout:   90 * time.Second,
		LogMode:          "dev",
		MaxDocumentBytes: 20 << 20,
		Poll: PollConfig{
			Interval:         2 * time.Second,
			MaxWait:          5 * time.Minute,
			MaxAttempts:      150,
			TransportRetries: 3,
		},
		Defaults: Defaults{
			QuestionCount: 3,
			Model:         "gpt-4o-mini",
			Difficulty:    "medium",
			Level:         1,
			DocumentPath:  "arabic.pdf",
		},
	}
}

// LoadFile читает YAML поверх значений по умолчанию.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Load собирает конфиг: умолчания -> CONFIG_FILE (если задан) -> переменные окружения.
func Load() (*Config, error) {
	cfg := defaults()
	if p := strings.TrimSpace(os.Getenv("CONFIG_FILE")); p != "" {
		fc, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		cfg = fc
	}

	// PORT от платформы важнее всего остального
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", cfg.TelegramBotToken)
	cfg.WebhookURL = getEnv("WEBHOOK_URL", cfg.WebhookURL)
	cfg.BackendURL = strings.TrimRight(getEnv("BACKEND_URL", cfg.BackendURL), "/")
	cfg.BackendTimeout = getEnvDuration("BACKEND_TIMEOUT", cfg.BackendTimeout)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogMode = getEnv("LOG_MODE", cfg.LogMode)

	cfg.Poll.Interval = getEnvDuration("POLL_INTERVAL", cfg.Poll.Interval)
	cfg.Poll.MaxWait = getEnvDuration("POLL_MAX_WAIT", cfg.Poll.MaxWait)
	cfg.Poll.MaxAttempts = getEnvInt("POLL_MAX_ATTEMPTS", cfg.Poll.MaxAttempts)
	cfg.Poll.TransportRetries = getEnvInt("POLL_TRANSPORT_RETRIES", cfg.Poll.TransportRetries)

	cfg.Defaults.Model = getEnv("DEFAULT_MODEL", cfg.Defaults.Model)
	cfg.Defaults.DocumentPath = getEnv("DEFAULT_DOCUMENT_PATH", cfg.Defaults.DocumentPath)

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.TelegramBotToken) == "" {
		errs = append(errs, errors.New("missing required TELEGRAM_BOT_TOKEN"))
	}
	if strings.TrimSpace(c.BackendURL) == "" {
		errs = append(errs, errors.New("missing required BACKEND_URL"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll interval must be > 0"))
	}
	if c.Poll.TransportRetries < 0 {
		errs = append(errs, errors.New("poll transport retries must be >= 0"))
	}
	return errors.Join(errs...)
}
