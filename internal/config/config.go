package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v4"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel string     `yaml:"log_level"`
	Account  Account    `yaml:"account"`
	Poll     Poll       `yaml:"poll"`
	Watch    Watch      `yaml:"watch"`
	Extract  Extract    `yaml:"extract"`
	Retry    Retry      `yaml:"retry"`
	Notion   Notion     `yaml:"notion"`
	Status   StatusHTTP `yaml:"status"`
}

// Account describes the monitored email account.
type Account struct {
	Name        string `yaml:"name"`
	Protocol    string `yaml:"protocol"` // "imap" or "pop3"
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	UseTLS      bool   `yaml:"use_tls"`
	IMAPFolder  string `yaml:"imap_folder"`
	ProcessDays int    `yaml:"process_days"`
}

// GetProcessDays returns the number of days to look back when no
// high-water mark is known yet, defaulting to 7.
func (a *Account) GetProcessDays() int {
	if a.ProcessDays <= 0 {
		return 7
	}
	return a.ProcessDays
}

// GetIMAPFolder returns the IMAP folder name, defaulting to "INBOX".
func (a *Account) GetIMAPFolder() string {
	if a.IMAPFolder == "" {
		return "INBOX"
	}
	return a.IMAPFolder
}

// Poll configures the fallback polling detector.
type Poll struct {
	IntervalSeconds         int `yaml:"interval_seconds"`
	DegradedIntervalSeconds int `yaml:"degraded_interval_seconds"`
}

// Interval returns the poll interval used while the push watcher is healthy.
func (p *Poll) Interval() time.Duration {
	if p.IntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.IntervalSeconds) * time.Second
}

// DegradedInterval returns the narrower poll interval used while the
// push watcher is degraded.
func (p *Poll) DegradedInterval() time.Duration {
	if p.DegradedIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(p.DegradedIntervalSeconds) * time.Second
}

// Watch configures the push watcher.
type Watch struct {
	IdleRestartMinutes  int `yaml:"idle_restart_minutes"`
	BackoffBaseSeconds  int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds   int `yaml:"backoff_max_seconds"`
	DegradedAfterErrors int `yaml:"degraded_after_errors"`
}

// IdleRestart returns how long a single IDLE command may run before it
// is cleanly restarted, defaulting to 25 minutes (servers commonly drop
// IDLE sessions at 30).
func (w *Watch) IdleRestart() time.Duration {
	if w.IdleRestartMinutes <= 0 {
		return 25 * time.Minute
	}
	return time.Duration(w.IdleRestartMinutes) * time.Minute
}

// BackoffBase returns the initial reconnect delay, defaulting to 2s.
func (w *Watch) BackoffBase() time.Duration {
	if w.BackoffBaseSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(w.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the reconnect delay cap, defaulting to 5 minutes.
func (w *Watch) BackoffMax() time.Duration {
	if w.BackoffMaxSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(w.BackoffMaxSeconds) * time.Second
}

// GetDegradedAfterErrors returns how many consecutive transport
// failures put the watcher into degraded mode, defaulting to 5.
func (w *Watch) GetDegradedAfterErrors() int {
	if w.DegradedAfterErrors <= 0 {
		return 5
	}
	return w.DegradedAfterErrors
}

// Extract configures the model extraction chain.
type Extract struct {
	Providers      []Provider `yaml:"providers"`
	TimeoutSeconds int        `yaml:"timeout_seconds"`
	MinConfidence  float64    `yaml:"min_confidence"`
}

// Provider is one entry in the ordered extraction chain.
type Provider struct {
	Type    string `yaml:"type"` // "openai", "anthropic" or "gemini"
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// Timeout returns the per-provider call timeout, defaulting to 30s.
func (e *Extract) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// GetMinConfidence returns the minimum extraction confidence required
// to treat a message as actionable, defaulting to 0.7.
func (e *Extract) GetMinConfidence() float64 {
	if e.MinConfidence <= 0 {
		return 0.7
	}
	return e.MinConfidence
}

// Retry configures reprocessing of failed messages.
type Retry struct {
	MaxAttempts     int `yaml:"max_attempts"`
	IntervalSeconds int `yaml:"interval_seconds"`
}

// GetMaxAttempts returns the retry budget per fingerprint, defaulting to 3.
func (r *Retry) GetMaxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 3
	}
	return r.MaxAttempts
}

// Interval returns how often failed records are re-examined, defaulting
// to 5 minutes.
func (r *Retry) Interval() time.Duration {
	if r.IntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(r.IntervalSeconds) * time.Second
}

// Notion holds the task store credentials.
type Notion struct {
	APIKey     string `yaml:"api_key"`
	DatabaseID string `yaml:"database_id"`
	BaseURL    string `yaml:"base_url"`
}

// StatusHTTP configures the status endpoint listener.
type StatusHTTP struct {
	Addr string `yaml:"addr"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{
		LogLevel: "info",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	a := c.Account
	if a.Protocol != "imap" && a.Protocol != "pop3" {
		return fmt.Errorf("account: protocol must be imap or pop3")
	}
	if a.Host == "" {
		return fmt.Errorf("account: host is required")
	}
	if a.Port == 0 {
		return fmt.Errorf("account: port is required")
	}
	if a.Username == "" {
		return fmt.Errorf("account: username is required")
	}

	if len(c.Extract.Providers) == 0 {
		return fmt.Errorf("extract: at least one provider is required")
	}
	for i, p := range c.Extract.Providers {
		switch p.Type {
		case "openai", "anthropic", "gemini":
		default:
			return fmt.Errorf("extract: provider #%d: type must be openai, anthropic or gemini", i)
		}
		if p.APIKey == "" {
			return fmt.Errorf("extract: provider #%d (%s): api_key is required", i, p.Type)
		}
		if p.Model == "" {
			return fmt.Errorf("extract: provider #%d (%s): model is required", i, p.Type)
		}
	}
	if c.Extract.MinConfidence < 0 || c.Extract.MinConfidence > 1 {
		return fmt.Errorf("extract: min_confidence must be between 0 and 1")
	}

	if c.Notion.APIKey == "" {
		return fmt.Errorf("notion: api_key is required")
	}
	if c.Notion.DatabaseID == "" {
		return fmt.Errorf("notion: database_id is required")
	}

	if c.Poll.DegradedIntervalSeconds > 0 && c.Poll.IntervalSeconds > 0 &&
		c.Poll.DegradedIntervalSeconds > c.Poll.IntervalSeconds {
		return fmt.Errorf("poll: degraded_interval_seconds must not exceed interval_seconds")
	}
	return nil
}
