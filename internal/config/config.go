package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"quartc/internal/quartc"
	"quartc/internal/transport"
)

// Config is the on-disk YAML configuration for the demo binary. The session
// block maps onto the per-connection tuning knobs; the network block names
// the UDP endpoints the demo bridges the packet transport to.
type Config struct {
	Role    string  `yaml:"role"` // "client" | "server"
	Network Network `yaml:"network"`
	Session Session `yaml:"session"`
	Logging Logging `yaml:"logging"`
	Metrics Metrics `yaml:"metrics"`
}

type Network struct {
	Listen string `yaml:"listen"` // server UDP listen address
	Dial   string `yaml:"dial"`   // client UDP remote address
	Guard  Guard  `yaml:"guard"`
}

// Guard configures the optional authenticated packet header on the UDP
// transport. Enabled whenever a key is set.
type Guard struct {
	Key    string `yaml:"key"`
	Magic  string `yaml:"magic"`
	Window string `yaml:"window"`
	Skew   int    `yaml:"skew"`
}

type Session struct {
	PreSharedKey               string `yaml:"pre_shared_key"`
	MaxPacketSize              int    `yaml:"max_packet_size"`
	MaxIdleTimeBeforeHandshake string `yaml:"max_idle_time_before_handshake"`
	MaxTimeBeforeHandshake     string `yaml:"max_time_before_handshake"`
	IdleNetworkTimeout         string `yaml:"idle_network_timeout"`
	EnableTailLossProbe        bool   `yaml:"enable_tail_loss_probe"`
}

type Logging struct {
	Verbose bool `yaml:"verbose"`
}

type Metrics struct {
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = "client"
	}
	if c.Session.MaxIdleTimeBeforeHandshake == "" {
		c.Session.MaxIdleTimeBeforeHandshake = "10s"
	}
	if c.Session.MaxTimeBeforeHandshake == "" {
		c.Session.MaxTimeBeforeHandshake = "30s"
	}
	if c.Session.IdleNetworkTimeout == "" {
		c.Session.IdleNetworkTimeout = "45s"
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Role)) {
	case "client":
		if c.Network.Dial == "" {
			return fmt.Errorf("client role requires network.dial")
		}
		if _, err := net.ResolveUDPAddr("udp", c.Network.Dial); err != nil {
			return fmt.Errorf("network.dial: %w", err)
		}
	case "server":
		if c.Network.Listen == "" {
			return fmt.Errorf("server role requires network.listen")
		}
		if _, err := net.ResolveUDPAddr("udp", c.Network.Listen); err != nil {
			return fmt.Errorf("network.listen: %w", err)
		}
	default:
		return fmt.Errorf("role must be 'client' or 'server'")
	}
	for name, v := range map[string]string{
		"session.max_idle_time_before_handshake": c.Session.MaxIdleTimeBeforeHandshake,
		"session.max_time_before_handshake":      c.Session.MaxTimeBeforeHandshake,
		"session.idle_network_timeout":           c.Session.IdleNetworkTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Session.MaxPacketSize < 0 {
		return fmt.Errorf("session.max_packet_size must not be negative")
	}
	if c.Network.Guard.Key != "" {
		if m := c.Network.Guard.Magic; m != "" && len(m) != 4 {
			return fmt.Errorf("network.guard.magic must be 4 bytes")
		}
		if w := c.Network.Guard.Window; w != "" {
			if _, err := time.ParseDuration(w); err != nil {
				return fmt.Errorf("network.guard.window: %w", err)
			}
		}
		if c.Network.Guard.Skew < 0 {
			return fmt.Errorf("network.guard.skew must not be negative")
		}
	}
	return nil
}

// GuardConfig converts the YAML guard block into the runtime form. A zero
// value with an empty key means the guard is disabled.
func (c *Config) GuardConfig() transport.GuardConfig {
	gc := transport.GuardConfig{
		Key:   c.Network.Guard.Key,
		Magic: c.Network.Guard.Magic,
		Skew:  c.Network.Guard.Skew,
	}
	if w := c.Network.Guard.Window; w != "" {
		gc.Window, _ = time.ParseDuration(w)
	}
	return gc
}

// SessionConfig converts the YAML session block into the runtime form.
// Invalid durations were rejected by validate, so parse errors are ignored.
func (c *Config) SessionConfig() quartc.SessionConfig {
	parse := func(s string) time.Duration {
		d, _ := time.ParseDuration(s)
		return d
	}
	sc := quartc.SessionConfig{
		MaxPacketSize:              c.Session.MaxPacketSize,
		MaxIdleTimeBeforeHandshake: parse(c.Session.MaxIdleTimeBeforeHandshake),
		MaxTimeBeforeHandshake:     parse(c.Session.MaxTimeBeforeHandshake),
		IdleNetworkTimeout:         parse(c.Session.IdleNetworkTimeout),
		EnableTailLossProbe:        c.Session.EnableTailLossProbe,
	}
	if c.Session.PreSharedKey != "" {
		sc.PreSharedKey = []byte(c.Session.PreSharedKey)
	}
	sc.ApplyDefaults()
	return sc
}
