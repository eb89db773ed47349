package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hostlane/hostlane/internal/gateway"
	"github.com/hostlane/hostlane/internal/models"
	"gopkg.in/yaml.v3"
)

// Provider kinds accepted by the providers section.
const (
	ProviderNone    = ""
	ProviderHetzner = "hetzner"
	ProviderProxmox = "proxmox"
	ProviderPanel   = "panel"
	ProviderFake    = "fake"
)

// Config holds daemon configuration: paths, listeners, lifecycle tuning,
// pricing and provider settings. Provider credentials live in the secrets
// bundle, never here.
type Config struct {
	ConfigPath string
	DataDir    string
	RunDir     string
	SocketPath string
	DBPath     string

	APIListen     string
	APIAllowCIDRs []string
	MetricsListen string

	SecretsDir            string
	SecretsBundle         string
	SecretsAgeKeyPath     string
	SecretsAllowPlaintext bool

	ActionTimeout     time.Duration
	InitialTermMonths int

	ReconcileInterval    time.Duration
	ReconcileBatch       int
	ReconcileConcurrency int
	ExpirySweepInterval  time.Duration
	AuditBuffer          int

	GatewayTimeout       time.Duration
	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	GatewayRatePerSecond float64
	GatewayRateBurst     int

	APIRatePerSecond float64
	APIRateBurst     int

	Pricing   map[models.ServerType]models.PriceRates
	Providers ProvidersConfig
}

// ProvidersConfig selects the gateway behind each server type.
type ProvidersConfig struct {
	VPS   VPSProviderConfig   `yaml:"vps"`
	Panel PanelProviderConfig `yaml:"panel"`
}

// VPSProviderConfig configures the VPS gateway. Kind is hetzner, proxmox or fake.
type VPSProviderConfig struct {
	Kind    string                `yaml:"kind"`
	Hetzner HetznerProviderConfig `yaml:"hetzner"`
	Proxmox ProxmoxProviderConfig `yaml:"proxmox"`
}

type HetznerProviderConfig struct {
	Image       string                      `yaml:"image"`
	Location    string                      `yaml:"location"`
	ServerTypes []gateway.HetznerServerType `yaml:"server_types"`
	Endpoint    string                      `yaml:"endpoint"`
}

type ProxmoxProviderConfig struct {
	BaseURL      string `yaml:"base_url"`
	Node         string `yaml:"node"`
	TemplateVMID int    `yaml:"template_vmid"`
	FullClone    bool   `yaml:"full_clone"`
	AgentCIDR    string `yaml:"agent_cidr"`
	TLSInsecure  bool   `yaml:"tls_insecure"`
	TLSCAPath    string `yaml:"tls_ca_path"`
}

// PanelProviderConfig configures the game server and app hosting gateways.
// Kind is panel or fake; a nil profile leaves that server type unserved.
type PanelProviderConfig struct {
	Kind        string                `yaml:"kind"`
	BaseURL     string                `yaml:"base_url"`
	UserID      int                   `yaml:"user_id"`
	TLSInsecure bool                  `yaml:"tls_insecure"`
	TLSCAPath   string                `yaml:"tls_ca_path"`
	GameServer  *gateway.PanelProfile `yaml:"gameserver"`
	AppHosting  *gateway.PanelProfile `yaml:"app_hosting"`
}

// FileConfig represents supported YAML config overrides. Durations are Go
// duration strings ("90s", "15m").
type FileConfig struct {
	DataDir               string                                  `yaml:"data_dir"`
	RunDir                string                                  `yaml:"run_dir"`
	SocketPath            string                                  `yaml:"socket_path"`
	DBPath                string                                  `yaml:"db_path"`
	APIListen             string                                  `yaml:"api_listen"`
	APIAllowCIDRs         []string                                `yaml:"api_allow_cidrs"`
	MetricsListen         string                                  `yaml:"metrics_listen"`
	SecretsDir            string                                  `yaml:"secrets_dir"`
	SecretsBundle         string                                  `yaml:"secrets_bundle"`
	SecretsAgeKeyPath     string                                  `yaml:"secrets_age_key_path"`
	SecretsAllowPlaintext bool                                    `yaml:"secrets_allow_plaintext"`
	ActionTimeout         string                                  `yaml:"action_timeout"`
	InitialTermMonths     *int                                    `yaml:"initial_term_months"`
	ReconcileInterval     string                                  `yaml:"reconcile_interval"`
	ReconcileBatch        int                                     `yaml:"reconcile_batch"`
	ReconcileConcurrency  int                                     `yaml:"reconcile_concurrency"`
	ExpirySweepInterval   string                                  `yaml:"expiry_sweep_interval"`
	AuditBuffer           int                                     `yaml:"audit_buffer"`
	GatewayTimeout        string                                  `yaml:"gateway_timeout"`
	RetryMaxAttempts      int                                     `yaml:"retry_max_attempts"`
	RetryBaseDelay        string                                  `yaml:"retry_base_delay"`
	RetryMaxDelay         string                                  `yaml:"retry_max_delay"`
	GatewayRatePerSecond  float64                                 `yaml:"gateway_rate_per_second"`
	GatewayRateBurst      int                                     `yaml:"gateway_rate_burst"`
	APIRatePerSecond      float64                                 `yaml:"api_rate_per_second"`
	APIRateBurst          int                                     `yaml:"api_rate_burst"`
	Pricing               map[models.ServerType]models.PriceRates `yaml:"pricing"`
	Providers             ProvidersConfig                         `yaml:"providers"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/hostlane"
	runDir := "/run/hostlane"
	return Config{
		ConfigPath:           "/etc/hostlane/config.yaml",
		DataDir:              dataDir,
		RunDir:               runDir,
		SocketPath:           filepath.Join(runDir, "hostlaned.sock"),
		DBPath:               filepath.Join(dataDir, "hostlane.db"),
		SecretsDir:           "/etc/hostlane/secrets",
		SecretsBundle:        "default",
		SecretsAgeKeyPath:    "/etc/hostlane/keys/age.key",
		ActionTimeout:        15 * time.Minute,
		InitialTermMonths:    1,
		ReconcileInterval:    time.Minute,
		ReconcileBatch:       200,
		ReconcileConcurrency: 8,
		ExpirySweepInterval:  5 * time.Minute,
		AuditBuffer:          256,
		GatewayTimeout:       30 * time.Second,
		RetryMaxAttempts:     3,
		RetryBaseDelay:       500 * time.Millisecond,
		RetryMaxDelay:        5 * time.Second,
		GatewayRatePerSecond: 5,
		GatewayRateBurst:     10,
		APIRatePerSecond:     20,
		APIRateBurst:         40,
		Pricing:              map[models.ServerType]models.PriceRates{},
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if err := applyFileConfig(&cfg, fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "hostlane.db")
	}
	if fileCfg.RunDir != "" && fileCfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.RunDir, "hostlaned.sock")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) error {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.RunDir != "" {
		cfg.RunDir = fileCfg.RunDir
	}
	if fileCfg.SocketPath != "" {
		cfg.SocketPath = fileCfg.SocketPath
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.APIListen != "" {
		cfg.APIListen = fileCfg.APIListen
	}
	if len(fileCfg.APIAllowCIDRs) > 0 {
		cfg.APIAllowCIDRs = fileCfg.APIAllowCIDRs
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.SecretsDir != "" {
		cfg.SecretsDir = fileCfg.SecretsDir
	}
	if fileCfg.SecretsBundle != "" {
		cfg.SecretsBundle = fileCfg.SecretsBundle
	}
	if fileCfg.SecretsAgeKeyPath != "" {
		cfg.SecretsAgeKeyPath = fileCfg.SecretsAgeKeyPath
	}
	if fileCfg.SecretsAllowPlaintext {
		cfg.SecretsAllowPlaintext = true
	}
	if fileCfg.InitialTermMonths != nil {
		cfg.InitialTermMonths = *fileCfg.InitialTermMonths
	}
	if fileCfg.ReconcileBatch > 0 {
		cfg.ReconcileBatch = fileCfg.ReconcileBatch
	}
	if fileCfg.ReconcileConcurrency > 0 {
		cfg.ReconcileConcurrency = fileCfg.ReconcileConcurrency
	}
	if fileCfg.AuditBuffer > 0 {
		cfg.AuditBuffer = fileCfg.AuditBuffer
	}
	if fileCfg.RetryMaxAttempts > 0 {
		cfg.RetryMaxAttempts = fileCfg.RetryMaxAttempts
	}
	if fileCfg.GatewayRatePerSecond > 0 {
		cfg.GatewayRatePerSecond = fileCfg.GatewayRatePerSecond
	}
	if fileCfg.GatewayRateBurst > 0 {
		cfg.GatewayRateBurst = fileCfg.GatewayRateBurst
	}
	if fileCfg.APIRatePerSecond > 0 {
		cfg.APIRatePerSecond = fileCfg.APIRatePerSecond
	}
	if fileCfg.APIRateBurst > 0 {
		cfg.APIRateBurst = fileCfg.APIRateBurst
	}
	if len(fileCfg.Pricing) > 0 {
		cfg.Pricing = fileCfg.Pricing
	}
	cfg.Providers = fileCfg.Providers

	durations := []struct {
		key   string
		value string
		dest  *time.Duration
	}{
		{"action_timeout", fileCfg.ActionTimeout, &cfg.ActionTimeout},
		{"reconcile_interval", fileCfg.ReconcileInterval, &cfg.ReconcileInterval},
		{"expiry_sweep_interval", fileCfg.ExpirySweepInterval, &cfg.ExpirySweepInterval},
		{"gateway_timeout", fileCfg.GatewayTimeout, &cfg.GatewayTimeout},
		{"retry_base_delay", fileCfg.RetryBaseDelay, &cfg.RetryBaseDelay},
		{"retry_max_delay", fileCfg.RetryMaxDelay, &cfg.RetryMaxDelay},
	}
	for _, d := range durations {
		value := strings.TrimSpace(d.value)
		if value == "" {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dest = parsed
	}
	return nil
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.RunDir == "" {
		return fmt.Errorf("run_dir is required")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.SecretsDir == "" {
		return fmt.Errorf("secrets_dir is required")
	}
	if strings.TrimSpace(c.APIListen) != "" {
		if _, _, err := net.SplitHostPort(c.APIListen); err != nil {
			return fmt.Errorf("api_listen must be host:port: %w", err)
		}
	}
	for _, cidr := range c.APIAllowCIDRs {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("api_allow_cidrs: %w", err)
		}
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	if c.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be positive")
	}
	if c.InitialTermMonths < 0 || c.InitialTermMonths > 24 {
		return fmt.Errorf("initial_term_months must be between 0 and 24")
	}
	if c.ReconcileInterval <= 0 || c.ExpirySweepInterval <= 0 {
		return fmt.Errorf("reconcile_interval and expiry_sweep_interval must be positive")
	}
	if c.ReconcileBatch <= 0 || c.ReconcileConcurrency <= 0 {
		return fmt.Errorf("reconcile_batch and reconcile_concurrency must be positive")
	}
	if c.AuditBuffer <= 0 {
		return fmt.Errorf("audit_buffer must be positive")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("gateway_timeout must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("retry_max_attempts must be positive")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry_max_delay must be at least retry_base_delay (got %s < %s)", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if err := validatePricing(c.Pricing); err != nil {
		return err
	}
	return c.Providers.validate()
}

func validatePricing(pricing map[models.ServerType]models.PriceRates) error {
	for serverType, rates := range pricing {
		if !serverType.Valid() {
			return fmt.Errorf("pricing: unknown server type %q", serverType)
		}
		for name, amount := range map[string]interface{ IsNegative() bool }{
			"base":           rates.Base,
			"per_cpu":        rates.PerCPU,
			"per_gb_memory":  rates.PerGBMemory,
			"per_gb_storage": rates.PerGBStorage,
		} {
			if amount.IsNegative() {
				return fmt.Errorf("pricing.%s.%s must not be negative", serverType, name)
			}
		}
	}
	return nil
}

func (p ProvidersConfig) validate() error {
	switch p.VPS.Kind {
	case ProviderNone, ProviderFake:
	case ProviderHetzner:
		if strings.TrimSpace(p.VPS.Hetzner.Image) == "" {
			return fmt.Errorf("providers.vps.hetzner.image is required")
		}
	case ProviderProxmox:
		if strings.TrimSpace(p.VPS.Proxmox.BaseURL) == "" {
			return fmt.Errorf("providers.vps.proxmox.base_url is required")
		}
		if p.VPS.Proxmox.TemplateVMID <= 0 {
			return fmt.Errorf("providers.vps.proxmox.template_vmid must be positive")
		}
		if p.VPS.Proxmox.TLSInsecure && strings.TrimSpace(p.VPS.Proxmox.TLSCAPath) != "" {
			return fmt.Errorf("providers.vps.proxmox: tls_insecure cannot be true when tls_ca_path is set")
		}
	default:
		return fmt.Errorf("providers.vps.kind must be hetzner, proxmox or fake (got %q)", p.VPS.Kind)
	}
	switch p.Panel.Kind {
	case ProviderNone, ProviderFake:
	case ProviderPanel:
		if strings.TrimSpace(p.Panel.BaseURL) == "" {
			return fmt.Errorf("providers.panel.base_url is required")
		}
		if p.Panel.UserID <= 0 {
			return fmt.Errorf("providers.panel.user_id must be positive")
		}
		if p.Panel.GameServer == nil && p.Panel.AppHosting == nil {
			return fmt.Errorf("providers.panel needs a gameserver or app_hosting profile")
		}
	default:
		return fmt.Errorf("providers.panel.kind must be panel or fake (got %q)", p.Panel.Kind)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
