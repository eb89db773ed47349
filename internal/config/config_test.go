package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hostlane/hostlane/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Minute, cfg.ActionTimeout)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, "/run/hostlane/hostlaned.sock", cfg.SocketPath)
}

func TestLoadAppliesOverrides(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/hostlane
run_dir: /tmp/hostlane-run
api_listen: 0.0.0.0:8740
api_allow_cidrs: [10.0.0.0/8]
metrics_listen: 127.0.0.1:9740
action_timeout: 10m
initial_term_months: 0
reconcile_interval: 30s
reconcile_concurrency: 4
retry_base_delay: 250ms
retry_max_delay: 2s
pricing:
  VPS:
    base: 2.00
    per_cpu: "1.50"
    per_gb_memory: 0.75
    per_gb_storage: 0.04
providers:
  vps:
    kind: hetzner
    hetzner:
      image: ubuntu-24.04
      location: fsn1
  panel:
    kind: panel
    base_url: https://panel.example.net
    user_id: 7
    gameserver:
      egg_id: 3
      docker_image: ghcr.io/pterodactyl/yolks:java_21
      startup: java -jar server.jar
      location_ids: [1]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/hostlane/hostlane.db", cfg.DBPath)
	assert.Equal(t, "/tmp/hostlane-run/hostlaned.sock", cfg.SocketPath)
	assert.Equal(t, "0.0.0.0:8740", cfg.APIListen)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.APIAllowCIDRs)
	assert.Equal(t, 10*time.Minute, cfg.ActionTimeout)
	assert.Equal(t, 0, cfg.InitialTermMonths)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 4, cfg.ReconcileConcurrency)
	assert.Equal(t, 200, cfg.ReconcileBatch)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay)

	rates := cfg.Pricing[models.ServerTypeVPS]
	assert.True(t, rates.PerCPU.Equal(decimal.RequireFromString("1.5")))
	monthly := rates.Monthly(models.ServerSpec{CPU: 2, MemoryMB: 4096, StorageGB: 50})
	assert.Equal(t, "10.00", monthly.StringFixed(2))

	assert.Equal(t, ProviderHetzner, cfg.Providers.VPS.Kind)
	require.NotNil(t, cfg.Providers.Panel.GameServer)
	assert.Equal(t, 3, cfg.Providers.Panel.GameServer.EggID)
	assert.Nil(t, cfg.Providers.Panel.AppHosting)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "action_timeout: soon\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action_timeout")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"public metrics": {
			mutate: func(c *Config) { c.MetricsListen = "0.0.0.0:9740" },
			want:   "localhost-only",
		},
		"bad api listen": {
			mutate: func(c *Config) { c.APIListen = "8740" },
			want:   "api_listen",
		},
		"bad cidr": {
			mutate: func(c *Config) { c.APIAllowCIDRs = []string{"10.0.0.1"} },
			want:   "api_allow_cidrs",
		},
		"long initial term": {
			mutate: func(c *Config) { c.InitialTermMonths = 25 },
			want:   "initial_term_months",
		},
		"inverted retry delays": {
			mutate: func(c *Config) { c.RetryMaxDelay = c.RetryBaseDelay / 2 },
			want:   "retry_max_delay",
		},
		"negative price": {
			mutate: func(c *Config) {
				c.Pricing = map[models.ServerType]models.PriceRates{
					models.ServerTypeVPS: {Base: decimal.NewFromInt(-1)},
				}
			},
			want: "must not be negative",
		},
		"unknown server type": {
			mutate: func(c *Config) {
				c.Pricing = map[models.ServerType]models.PriceRates{"BAREMETAL": {}}
			},
			want: "unknown server type",
		},
		"unknown vps provider": {
			mutate: func(c *Config) { c.Providers.VPS.Kind = "aws" },
			want:   "providers.vps.kind",
		},
		"proxmox without template": {
			mutate: func(c *Config) {
				c.Providers.VPS.Kind = ProviderProxmox
				c.Providers.VPS.Proxmox.BaseURL = "https://pve:8006"
			},
			want: "template_vmid",
		},
		"panel without profiles": {
			mutate: func(c *Config) {
				c.Providers.Panel = PanelProviderConfig{Kind: ProviderPanel, BaseURL: "https://panel", UserID: 1}
			},
			want: "profile",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
