package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// QuotaMode controls what the API client does when both transports are
// out of quota. There is no implicit default; the config must choose.
type QuotaMode string

const (
	// QuotaBlock blocks the call until the earliest quota reset
	QuotaBlock QuotaMode = "block"
	// QuotaFail returns a QuotaExhaustedError carrying the reset time
	QuotaFail QuotaMode = "fail"
)

// Config holds all application configuration
type Config struct {
	General   GeneralConfig   `toml:"general"`
	Isolation IsolationConfig `toml:"isolation"`
	API       APIConfig       `toml:"api"`
	Phases    PhasesConfig    `toml:"phases"`
	Notify    NotifyConfig    `toml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	RepoDir      string `toml:"repo_dir"`
	DatabasePath string `toml:"database_path"`
}

// IsolationConfig bounds the per-run resource grants
type IsolationConfig struct {
	WorkingCopyDir string `toml:"working_copy_dir"`
	MaxConcurrent  int    `toml:"max_concurrent"`
	PrimaryPorts   [2]int `toml:"primary_ports"`   // inclusive range, e.g. [19000, 19014]
	SecondaryPorts [2]int `toml:"secondary_ports"` // disjoint from primary
	SweepCron      string `toml:"sweep_cron"`
}

// APIConfig configures the issue tracker client
type APIConfig struct {
	Repo      string    `toml:"repo"` // owner/name
	QuotaMode QuotaMode `toml:"quota_mode"`
}

// PhasesConfig maps phase names to their failure classification
type PhasesConfig struct {
	// Blocking lists phases whose failure aborts the run; all other
	// phases fail non-blocking. Template files may override per run.
	Blocking []string `toml:"blocking"`
}

// NotifyConfig holds notification settings
type NotifyConfig struct {
	Webhook  string `toml:"webhook"`
	WSListen string `toml:"ws_listen"` // address for the event hub, empty disables it
}

// Default returns a Config with sensible defaults. QuotaMode deliberately
// has no default and must be set explicitly.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".delivery-orchestrator", "orchestrator.db"),
		},
		Isolation: IsolationConfig{
			WorkingCopyDir: filepath.Join(home, ".delivery-orchestrator", "workcopies"),
			MaxConcurrent:  3,
			PrimaryPorts:   [2]int{19000, 19014},
			SecondaryPorts: [2]int{19100, 19114},
			SweepCron:      "*/10 * * * *",
		},
		Phases: PhasesConfig{
			Blocking: []string{"plan", "build", "test", "ship", "verify"},
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults for
// unset fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.RepoDir = ExpandPath(cfg.General.RepoDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Isolation.WorkingCopyDir = ExpandPath(cfg.Isolation.WorkingCopyDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system relies on
func (c *Config) Validate() error {
	if c.API.QuotaMode != QuotaBlock && c.API.QuotaMode != QuotaFail {
		return fmt.Errorf("api.quota_mode must be %q or %q, got %q", QuotaBlock, QuotaFail, c.API.QuotaMode)
	}
	if c.Isolation.MaxConcurrent <= 0 {
		return fmt.Errorf("isolation.max_concurrent must be positive, got %d", c.Isolation.MaxConcurrent)
	}
	p, s := c.Isolation.PrimaryPorts, c.Isolation.SecondaryPorts
	if p[0] > p[1] || s[0] > s[1] {
		return fmt.Errorf("port ranges must be low..high: primary %v, secondary %v", p, s)
	}
	if p[1] >= s[0] && s[1] >= p[0] {
		return fmt.Errorf("port pools overlap: primary %v, secondary %v", p, s)
	}
	return nil
}

// FailureClassFor returns "blocking" or "non_blocking" for the phase name
func (c *PhasesConfig) FailureClassFor(phase string) string {
	for _, b := range c.Blocking {
		if b == phase {
			return "blocking"
		}
	}
	return "non_blocking"
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "delivery-orchestrator", "config.toml")
}
