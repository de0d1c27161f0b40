package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/classwatch/internal/retry"
)

// Backoff is the on-disk form of a retry.Policy.
type Backoff struct {
	MaxAttempts    int     `json:"max_attempts"`
	InitialDelayMS int     `json:"initial_delay_ms"`
	MaxDelayMS     int     `json:"max_delay_ms"`
	Multiplier     float64 `json:"multiplier"`
}

// Policy converts b into a retry.Policy.
func (b Backoff) Policy() *retry.Policy {
	p := &retry.Policy{
		MaxAttempts:  b.MaxAttempts,
		InitialDelay: time.Duration(b.InitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(b.MaxDelayMS) * time.Millisecond,
		Multiplier:   b.Multiplier,
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Window   struct {
		Capacity        int      `json:"capacity"`
		AlertCategories []string `json:"alert_categories"`
	} `json:"window"`
	Store struct {
		Path string `json:"path"`
	} `json:"store"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	Kafka struct {
		Enabled bool     `json:"enabled"`
		Brokers []string `json:"brokers"`
		Topic   string   `json:"topic"`
		GroupID string   `json:"group_id"`
	} `json:"kafka"`
	Telegram struct {
		Token   string  `json:"token"`
		ChatIDs []int64 `json:"chat_ids"`
	} `json:"telegram"`
	Reset struct {
		Schedule string `json:"schedule"`
	} `json:"reset"`
	Retry     Backoff `json:"retry"`
	Reconnect Backoff `json:"reconnect"`
}

// DBPath returns the event database location.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "events.db")
}

// PIDPath returns the daemon PID file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "classwatch.pid")
}

// Validate checks values that have no usable zero meaning.
func (c *Config) Validate() error {
	if c.Window.Capacity <= 0 {
		return fmt.Errorf("window.capacity must be positive, got %d", c.Window.Capacity)
	}
	if c.HTTP.Enabled && c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required when http is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	return nil
}

func defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".classwatch"),
		LogLevel: "info",
	}
	cfg.Window.Capacity = 100
	cfg.Window.AlertCategories = []string{"head down", "turning around"}
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:8484"
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.Topic = "classroom-events"
	cfg.Kafka.GroupID = "classwatch"
	cfg.Retry = Backoff{MaxAttempts: 3, InitialDelayMS: 1000, MaxDelayMS: 30000, Multiplier: 2}
	cfg.Reconnect = Backoff{MaxAttempts: 0, InitialDelayMS: 1000, MaxDelayMS: 30000, Multiplier: 2}
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if dbPath := os.Getenv("CLASSWATCH_DB_PATH"); dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if brokers := os.Getenv("CLASSWATCH_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
		cfg.Kafka.Enabled = true
	}
	if listen := os.Getenv("CLASSWATCH_HTTP_LISTEN"); listen != "" {
		cfg.HTTP.Listen = listen
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its generic JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every setting as a dot-key map, optionally masking
// secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads the config at path (creating it with defaults if missing)
// and returns the value stored under the dot-separated key.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	if v, ok := flat[key]; ok {
		return v, nil
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(raw)[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// SetValue stores value under key in the existing config file. The value is
// parsed as JSON when possible (numbers, booleans, arrays) and kept as a
// string otherwise. Keys that are not part of Config are preserved.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat := Flatten(raw)
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var check Config
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return writeFile(path, data)
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}
