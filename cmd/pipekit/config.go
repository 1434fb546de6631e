package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/internal/layout"
)

// Config holds all pipekit configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath          string   `json:"db_path"`
	ListenAddr      string   `json:"listen_addr"`
	LogLevel        string   `json:"log_level"`
	LayoutDirection string   `json:"layout_direction"`
	SimMinDuration  duration `json:"sim_min_duration"`
	SimMaxDuration  duration `json:"sim_max_duration"`
	SimSuccessRate  float64  `json:"sim_success_rate"`
	PreviewRowLimit int      `json:"preview_row_limit"`
	StrictAcyclic   bool     `json:"strict_acyclic"`

	// VaultKey seals connector DSNs. Read from PIPEKIT_VAULT_KEY only,
	// never persisted.
	VaultKey string `json:"-"`
}

// duration reads either a Go duration string ("1.5s") or milliseconds.
type duration time.Duration

func (d *duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = duration(parsed)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %w", err)
	}
	*d = duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(pipekitDir(), "pipekit.db"),
		LogLevel:        "info",
		LayoutDirection: string(layout.TopBottom),
		SimMinDuration:  duration(engine.DefaultSimMinDuration),
		SimMaxDuration:  duration(engine.DefaultSimMaxDuration),
		SimSuccessRate:  engine.DefaultSimSuccessRate,
		PreviewRowLimit: 100,
	}
}

func pipekitDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pipekit"
	}
	return filepath.Join(home, ".pipekit")
}

func settingsPath() string {
	return filepath.Join(pipekitDir(), "settings.json")
}

func vaultSaltPath() string {
	return filepath.Join(pipekitDir(), "vault.salt")
}

// loadVaultSalt reads the vault salt, creating it on first use.
func loadVaultSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return data, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write vault salt: %w", err)
	}
	return salt, nil
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PIPEKIT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PIPEKIT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PIPEKIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PIPEKIT_LAYOUT_DIRECTION"); v != "" {
		cfg.LayoutDirection = v
	}
	if v := os.Getenv("PIPEKIT_SIM_MIN_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SimMinDuration = duration(d)
		}
	}
	if v := os.Getenv("PIPEKIT_SIM_MAX_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SimMaxDuration = duration(d)
		}
	}
	if v := os.Getenv("PIPEKIT_SIM_SUCCESS_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SimSuccessRate = f
		}
	}
	if v := os.Getenv("PIPEKIT_PREVIEW_ROW_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PreviewRowLimit = n
		}
	}
	if v := os.Getenv("PIPEKIT_STRICT_ACYCLIC"); v != "" {
		cfg.StrictAcyclic = v == "true" || v == "1"
	}
	cfg.VaultKey = os.Getenv("PIPEKIT_VAULT_KEY")

	return cfg
}

// dsn turns a bare path into a libsql file DSN.
func (c Config) dsn() string {
	for _, prefix := range []string{"file:", "libsql:", "http:", "https:"} {
		if strings.HasPrefix(c.DBPath, prefix) {
			return c.DBPath
		}
	}
	return "file:" + c.DBPath
}
