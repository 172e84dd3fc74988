package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/commlink/internal/comm"
	"github.com/pelletier/go-toml/v2"
)

type NodeConfig struct {
	Name        string         `toml:"name"`
	UDPPort     int            `toml:"udp_port"`
	AdminAddr   string         `toml:"admin_addr"`
	CorsOrigins []string       `toml:"cors_origins"`
	Protocol    ProtocolConfig `toml:"protocol"`
}

type ProtocolConfig struct {
	PingTimeoutMS    int `toml:"ping_timeout_ms"`
	IdleIntervalMS   int `toml:"idle_interval_ms"`
	AcceptedKeyTTLMS int `toml:"accepted_key_ttl_ms"`
}

func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "linkctl"
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = ":9400"
	}
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("node config missing name")
	}
	if cfg.UDPPort < 0 || cfg.UDPPort > 65535 {
		return fmt.Errorf("node config udp_port out of range: %d", cfg.UDPPort)
	}
	if strings.TrimSpace(cfg.AdminAddr) == "" {
		return fmt.Errorf("node config missing admin_addr")
	}
	if cfg.Protocol.PingTimeoutMS < 0 {
		return fmt.Errorf("protocol ping_timeout_ms must not be negative")
	}
	if cfg.Protocol.IdleIntervalMS < 0 {
		return fmt.Errorf("protocol idle_interval_ms must not be negative")
	}
	if cfg.Protocol.AcceptedKeyTTLMS < 0 {
		return fmt.Errorf("protocol accepted_key_ttl_ms must not be negative")
	}
	return nil
}

// Options converts the protocol section into communicator options. Zero
// values defer to the communicator's defaults.
func (p ProtocolConfig) Options() comm.Options {
	return comm.Options{
		PingTimeout:    time.Duration(p.PingTimeoutMS) * time.Millisecond,
		IdleInterval:   time.Duration(p.IdleIntervalMS) * time.Millisecond,
		AcceptedKeyTTL: time.Duration(p.AcceptedKeyTTLMS) * time.Millisecond,
	}
}
