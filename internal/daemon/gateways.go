package daemon

import (
	"fmt"
	"strings"

	"github.com/hostlane/hostlane/internal/buildinfo"
	"github.com/hostlane/hostlane/internal/config"
	"github.com/hostlane/hostlane/internal/gateway"
	"github.com/hostlane/hostlane/internal/models"
	"github.com/hostlane/hostlane/internal/secrets"
	"golang.org/x/time/rate"
)

// buildGatewaySet selects one adapter per server type from the providers
// section and wraps each in the retry, rate limit and metrics decorator.
// Each adapter gets its own limiter so one slow provider cannot starve
// another.
func buildGatewaySet(cfg config.Config, bundle secrets.Bundle, metrics *Metrics) (*gateway.Set, error) {
	raw := make(map[models.ServerType]gateway.Gateway)

	vps, err := buildVPSGateway(cfg, bundle)
	if err != nil {
		return nil, err
	}
	if vps != nil {
		raw[models.ServerTypeVPS] = vps
	}

	panels, err := buildPanelGateways(cfg, bundle)
	if err != nil {
		return nil, err
	}
	for t, gw := range panels {
		raw[t] = gw
	}

	policy := gateway.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		CallTimeout: cfg.GatewayTimeout,
	}
	wrapped := make(map[models.ServerType]gateway.Gateway, len(raw))
	for t, gw := range raw {
		retrying := gateway.NewRetrying(gw, policy).WithObserver(metrics)
		if cfg.GatewayRatePerSecond > 0 {
			burst := cfg.GatewayRateBurst
			if burst <= 0 {
				burst = 1
			}
			retrying = retrying.WithLimiter(rate.NewLimiter(rate.Limit(cfg.GatewayRatePerSecond), burst))
		}
		wrapped[t] = retrying
	}
	return gateway.NewSet(wrapped)
}

func buildVPSGateway(cfg config.Config, bundle secrets.Bundle) (gateway.Gateway, error) {
	vps := cfg.Providers.VPS
	switch vps.Kind {
	case config.ProviderNone:
		return nil, nil
	case config.ProviderFake:
		return gateway.NewFake("fake-vps"), nil
	case config.ProviderHetzner:
		if strings.TrimSpace(bundle.HetznerToken) == "" {
			return nil, fmt.Errorf("providers.vps: secrets bundle has no hetzner_token")
		}
		return gateway.NewHetzner(gateway.HetznerConfig{
			Token:       bundle.HetznerToken,
			Image:       vps.Hetzner.Image,
			Location:    vps.Hetzner.Location,
			ServerTypes: vps.Hetzner.ServerTypes,
			Endpoint:    vps.Hetzner.Endpoint,
			Version:     buildinfo.Version,
		})
	case config.ProviderProxmox:
		if strings.TrimSpace(bundle.ProxmoxToken) == "" {
			return nil, fmt.Errorf("providers.vps: secrets bundle has no proxmox_token")
		}
		client, err := gateway.NewHTTPClient(cfg.GatewayTimeout, vps.Proxmox.TLSInsecure, vps.Proxmox.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("providers.vps.proxmox: %w", err)
		}
		return gateway.NewProxmox(gateway.ProxmoxConfig{
			BaseURL:      vps.Proxmox.BaseURL,
			Token:        bundle.ProxmoxToken,
			Node:         vps.Proxmox.Node,
			TemplateVMID: vps.Proxmox.TemplateVMID,
			FullClone:    vps.Proxmox.FullClone,
			AgentCIDR:    vps.Proxmox.AgentCIDR,
			HTTPClient:   client,
		})
	default:
		return nil, fmt.Errorf("providers.vps.kind %q is not supported", vps.Kind)
	}
}

func buildPanelGateways(cfg config.Config, bundle secrets.Bundle) (map[models.ServerType]gateway.Gateway, error) {
	panel := cfg.Providers.Panel
	out := make(map[models.ServerType]gateway.Gateway)
	switch panel.Kind {
	case config.ProviderNone:
		return out, nil
	case config.ProviderFake:
		out[models.ServerTypeGameServer] = gateway.NewFake("fake-gameserver")
		out[models.ServerTypeAppHosting] = gateway.NewFake("fake-app-hosting")
		return out, nil
	case config.ProviderPanel:
	default:
		return nil, fmt.Errorf("providers.panel.kind %q is not supported", panel.Kind)
	}

	if strings.TrimSpace(bundle.PanelApplicationKey) == "" || strings.TrimSpace(bundle.PanelClientKey) == "" {
		return nil, fmt.Errorf("providers.panel: secrets bundle needs panel_application_key and panel_client_key")
	}
	client, err := gateway.NewHTTPClient(cfg.GatewayTimeout, panel.TLSInsecure, panel.TLSCAPath)
	if err != nil {
		return nil, fmt.Errorf("providers.panel: %w", err)
	}
	panelCfg := gateway.PanelConfig{
		BaseURL:        panel.BaseURL,
		ApplicationKey: bundle.PanelApplicationKey,
		ClientKey:      bundle.PanelClientKey,
		UserID:         panel.UserID,
		HTTPClient:     client,
	}
	profiles := []struct {
		serverType models.ServerType
		provider   string
		profile    *gateway.PanelProfile
	}{
		{models.ServerTypeGameServer, "panel-gameserver", panel.GameServer},
		{models.ServerTypeAppHosting, "panel-app-hosting", panel.AppHosting},
	}
	for _, p := range profiles {
		if p.profile == nil {
			continue
		}
		gw, err := gateway.NewPanel(p.provider, panelCfg, *p.profile)
		if err != nil {
			return nil, fmt.Errorf("providers.panel %s: %w", strings.ToLower(string(p.serverType)), err)
		}
		out[p.serverType] = gw
	}
	return out, nil
}
