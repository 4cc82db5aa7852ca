package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Reserve exhaustion policies.
const (
	PolicyWait = "wait"
	PolicyVoid = "void"
)

// Config models opencawt.yml.
type Config struct {
	Court struct {
		ID                string `yaml:"id"`
		TreasuryAddress   string `yaml:"treasury_address"`
		FilingFeeLamports int64  `yaml:"filing_fee_lamports"`
	} `yaml:"court"`
	Jury struct {
		PanelSize              int    `yaml:"panel_size"`
		ReserveSize            int    `yaml:"reserve_size"`
		ReadinessWindowSeconds int    `yaml:"readiness_window_seconds"`
		OnReserveExhausted     string `yaml:"on_reserve_exhausted"` // wait | void
	} `yaml:"jury"`
	Stages struct {
		DefenceWindowSeconds           int `yaml:"defence_window_seconds"`
		NamedDefendantExclusiveSeconds int `yaml:"named_defendant_exclusive_seconds"`
		SubmissionWindowSeconds        int `yaml:"submission_window_seconds"`
		VotingWindowSeconds            int `yaml:"voting_window_seconds"`
		VotingHardTimeoutSeconds       int `yaml:"voting_hard_timeout_seconds"`
		SessionLeadSeconds             int `yaml:"session_lead_seconds"`
	} `yaml:"stages"`
	Seal struct {
		Mode               string `yaml:"mode"` // stub | production
		WorkerURL          string `yaml:"worker_url"`
		BaseURI            string `yaml:"base_uri"`
		ResolveMaxAttempts int    `yaml:"resolve_max_attempts"`
	} `yaml:"seal"`
	Treasury struct {
		RPCURL string `yaml:"rpc_url"`
	} `yaml:"treasury"`
	Beacon struct {
		URL         string `yaml:"url"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"beacon"`
	Auth struct {
		JWTSecret            string `yaml:"jwt_secret"`
		HeliusWebhookSecret  string `yaml:"helius_webhook_secret"`
		TimestampSkewSeconds int    `yaml:"timestamp_skew_seconds"`
	} `yaml:"auth"`
}

// Durations derived from the raw second counts.

func (c *Config) ReadinessWindow() time.Duration {
	return time.Duration(c.Jury.ReadinessWindowSeconds) * time.Second
}

func (c *Config) DefenceWindow() time.Duration {
	return time.Duration(c.Stages.DefenceWindowSeconds) * time.Second
}

func (c *Config) NamedDefendantExclusive() time.Duration {
	return time.Duration(c.Stages.NamedDefendantExclusiveSeconds) * time.Second
}

func (c *Config) SubmissionWindow() time.Duration {
	return time.Duration(c.Stages.SubmissionWindowSeconds) * time.Second
}

func (c *Config) VotingWindow() time.Duration {
	return time.Duration(c.Stages.VotingWindowSeconds) * time.Second
}

func (c *Config) VotingHardTimeout() time.Duration {
	return time.Duration(c.Stages.VotingHardTimeoutSeconds) * time.Second
}

func (c *Config) SessionLead() time.Duration {
	return time.Duration(c.Stages.SessionLeadSeconds) * time.Second
}

func (c *Config) TimestampSkew() time.Duration {
	return time.Duration(c.Auth.TimestampSkewSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Court.ID == "" {
		return fmt.Errorf("config.court.id is required")
	}
	if c.Jury.PanelSize < 1 {
		return fmt.Errorf("config.jury.panel_size must be at least 1")
	}
	if c.Jury.ReserveSize < 0 {
		return fmt.Errorf("config.jury.reserve_size must not be negative")
	}
	switch c.Jury.OnReserveExhausted {
	case PolicyWait, PolicyVoid:
	default:
		return fmt.Errorf("config.jury.on_reserve_exhausted must be wait or void")
	}
	if c.Jury.ReadinessWindowSeconds <= 0 {
		return fmt.Errorf("config.jury.readiness_window_seconds must be positive")
	}
	for name, v := range map[string]int{
		"defence_window_seconds":      c.Stages.DefenceWindowSeconds,
		"submission_window_seconds":   c.Stages.SubmissionWindowSeconds,
		"voting_window_seconds":       c.Stages.VotingWindowSeconds,
		"voting_hard_timeout_seconds": c.Stages.VotingHardTimeoutSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("config.stages.%s must be positive", name)
		}
	}
	if c.Stages.VotingHardTimeoutSeconds < c.Stages.VotingWindowSeconds {
		return fmt.Errorf("config.stages.voting_hard_timeout_seconds must not be shorter than voting_window_seconds")
	}
	switch c.Seal.Mode {
	case "stub", "production":
	default:
		return fmt.Errorf("config.seal.mode must be stub or production")
	}
	if c.Seal.Mode == "production" && c.Seal.WorkerURL == "" {
		return fmt.Errorf("config.seal.worker_url is required in production mode")
	}
	if c.Seal.ResolveMaxAttempts < 1 {
		return fmt.Errorf("config.seal.resolve_max_attempts must be at least 1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opencawt.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run oc init or copy opencawt.yml into the workspace", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `court:
  id: opencawt
  treasury_address: ""
  filing_fee_lamports: 1000000

jury:
  panel_size: 11
  reserve_size: 6
  readiness_window_seconds: 120
  on_reserve_exhausted: wait

stages:
  defence_window_seconds: 3600
  named_defendant_exclusive_seconds: 900
  submission_window_seconds: 600
  voting_window_seconds: 900
  voting_hard_timeout_seconds: 1800
  session_lead_seconds: 3600

seal:
  mode: stub
  worker_url: ""
  base_uri: "https://opencawt.example/seals"
  resolve_max_attempts: 8

treasury:
  rpc_url: ""

beacon:
  url: ""
  max_attempts: 5

auth:
  jwt_secret: ""
  helius_webhook_secret: ""
  timestamp_skew_seconds: 300
`
