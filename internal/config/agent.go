package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Agent is the learner agent configuration, read from a TOML file.
type Agent struct {
	DataDir   string
	DBPath    string
	Listen    string
	ServerURL string
	Token     string
	ClientID  string

	PollInterval     time.Duration
	RetryInterval    time.Duration
	SettingsDebounce time.Duration
	RequestTimeout   time.Duration
	MaxRetries       int
	MaxBatch         int
	FailureThreshold int
	ConflictPolicy   string // latest|max
	HydrateOnStart   bool

	BackupDir      string
	BackupInterval time.Duration // 0 disables scheduled backups

	CORSOrigins []string
}

const (
	defaultAgentDataDir = "~/.local/share/nihongo"
	defaultAgentListen  = "127.0.0.1:8790"
	defaultServerURL    = "http://localhost:8080"
)

func DefaultAgent() Agent {
	dir := mustExpand(defaultAgentDataDir)
	return Agent{
		DataDir:          dir,
		DBPath:           filepath.Join(dir, "learner.db"),
		Listen:           defaultAgentListen,
		ServerURL:        defaultServerURL,
		PollInterval:     15 * time.Second,
		RetryInterval:    time.Minute,
		SettingsDebounce: 500 * time.Millisecond,
		RequestTimeout:   15 * time.Second,
		MaxRetries:       5,
		MaxBatch:         500,
		FailureThreshold: 2,
		ConflictPolicy:   "latest",
		HydrateOnStart:   true,
		BackupDir:        filepath.Join(dir, "backups"),
		CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
	}
}

type agentFile struct {
	DataDir   string   `toml:"data_dir"`
	DBPath    string   `toml:"db_path"`
	Listen    string   `toml:"listen"`
	ServerURL string   `toml:"server_url"`
	Token     string   `toml:"token"`
	ClientID  string   `toml:"client_id"`
	CORS      []string `toml:"cors_origins"`
	Sync      struct {
		PollInterval     string `toml:"poll_interval"`
		RetryInterval    string `toml:"retry_interval"`
		SettingsDebounce string `toml:"settings_debounce"`
		Timeout          string `toml:"timeout"`
		MaxRetries       *int   `toml:"max_retries"`
		MaxBatch         *int   `toml:"max_batch"`
		FailureThreshold *int   `toml:"failure_threshold"`
		ConflictPolicy   string `toml:"conflict_policy"`
		HydrateOnStart   *bool  `toml:"hydrate_on_start"`
	} `toml:"sync"`
	Backup struct {
		Dir      string `toml:"dir"`
		Interval string `toml:"interval"`
	} `toml:"backup"`
}

// LoadAgent reads path over the defaults. A missing file is not an error.
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(mustExpand(path))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Agent{}, fmt.Errorf("read config: %w", err)
	}
	return ParseAgent(raw)
}

func ParseAgent(raw []byte) (Agent, error) {
	cfg := DefaultAgent()
	var f agentFile
	if err := toml.Unmarshal(raw, &f); err != nil {
		return Agent{}, fmt.Errorf("parse config: %w", err)
	}

	if s := strings.TrimSpace(f.DataDir); s != "" {
		cfg.DataDir = mustExpand(s)
		cfg.DBPath = filepath.Join(cfg.DataDir, "learner.db")
		cfg.BackupDir = filepath.Join(cfg.DataDir, "backups")
	}
	if s := strings.TrimSpace(f.DBPath); s != "" {
		cfg.DBPath = mustExpand(s)
	}
	if s := strings.TrimSpace(f.Listen); s != "" {
		cfg.Listen = s
	}
	if s := strings.TrimSpace(f.ServerURL); s != "" {
		cfg.ServerURL = s
	}
	cfg.Token = strings.TrimSpace(f.Token)
	cfg.ClientID = strings.TrimSpace(f.ClientID)
	if len(f.CORS) > 0 {
		cfg.CORSOrigins = f.CORS
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sync.poll_interval", f.Sync.PollInterval, &cfg.PollInterval},
		{"sync.retry_interval", f.Sync.RetryInterval, &cfg.RetryInterval},
		{"sync.settings_debounce", f.Sync.SettingsDebounce, &cfg.SettingsDebounce},
		{"sync.timeout", f.Sync.Timeout, &cfg.RequestTimeout},
		{"backup.interval", f.Backup.Interval, &cfg.BackupInterval},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil || v < 0 {
			return Agent{}, fmt.Errorf("%s: invalid duration %q", d.name, d.raw)
		}
		*d.dst = v
	}

	if f.Sync.MaxRetries != nil {
		cfg.MaxRetries = *f.Sync.MaxRetries
	}
	if f.Sync.MaxBatch != nil {
		cfg.MaxBatch = *f.Sync.MaxBatch
	}
	if f.Sync.FailureThreshold != nil {
		cfg.FailureThreshold = *f.Sync.FailureThreshold
	}
	if f.Sync.HydrateOnStart != nil {
		cfg.HydrateOnStart = *f.Sync.HydrateOnStart
	}
	if s := strings.TrimSpace(f.Sync.ConflictPolicy); s != "" {
		cfg.ConflictPolicy = s
	}
	if s := strings.TrimSpace(f.Backup.Dir); s != "" {
		cfg.BackupDir = mustExpand(s)
	}
	return cfg, cfg.Validate()
}

func (a Agent) Validate() error {
	switch {
	case a.PollInterval <= 0:
		return errors.New("sync.poll_interval must be positive")
	case a.RetryInterval < time.Second:
		return errors.New("sync.retry_interval must be at least 1s")
	case a.MaxRetries < 1:
		return errors.New("sync.max_retries must be at least 1")
	case a.MaxBatch < 1:
		return errors.New("sync.max_batch must be at least 1")
	case a.FailureThreshold < 1:
		return errors.New("sync.failure_threshold must be at least 1")
	}
	switch a.ConflictPolicy {
	case "latest", "max":
	default:
		return fmt.Errorf("sync.conflict_policy: unknown policy %q", a.ConflictPolicy)
	}
	return nil
}

func mustExpand(path string) string {
	trimmed := strings.TrimSpace(path)
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return trimmed
}
