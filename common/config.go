package common

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML string parsing ("5s", "2m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// RelayConfig holds the relay configuration read from a TOML file
type RelayConfig struct {
	Host          string   `toml:"host" json:"host"`
	Port          int      `toml:"port" json:"port"`
	ListenHost    string   `toml:"listen_host" json:"listen_host"`
	ListenPort    int      `toml:"listen_port" json:"listen_port"` // 0 listens on Port
	HostsWrite    bool     `toml:"hosts_write" json:"hosts_write"`
	HostsPath     string   `toml:"hosts_path" json:"hosts_path"`
	PurgeLoopback bool     `toml:"purge_loopback" json:"purge_loopback"`
	DNSServer     string   `toml:"dns_server" json:"dns_server"`
	UpstreamProxy string   `toml:"upstream_proxy" json:"upstream_proxy"`
	SocketSkip    int      `toml:"socket_skip" json:"socket_skip"`
	DialTimeout   Duration `toml:"dial_timeout" json:"dial_timeout"`
	IdleTimeout   Duration `toml:"idle_timeout" json:"idle_timeout"`
	MaxFrameSize  int      `toml:"max_frame_size" json:"max_frame_size"`
	LogLevel      string   `toml:"log_level" json:"log_level"`

	Protocol ProtocolConfig `toml:"protocol" json:"protocol"`
	Hooks    HooksConfig    `toml:"hooks" json:"hooks"`

	// API server configuration
	APIServer APIServerConfig `toml:"api_server" json:"api_server"`

	// Metrics configuration
	Metrics MetricsConfig `toml:"metrics" json:"metrics"`
}

// ProtocolConfig holds the frame ordinals the relay keys its handshake
// handling on. Ordinals count frames per direction starting at 1.
type ProtocolConfig struct {
	HandshakeMarker        uint16 `toml:"handshake_marker" json:"handshake_marker"`
	OutgoingInferenceFrame int    `toml:"outgoing_inference_frame" json:"outgoing_inference_frame"`
	IncomingInferenceFrame int    `toml:"incoming_inference_frame" json:"incoming_inference_frame"`
	InitiateHandshakeFrame int    `toml:"initiate_handshake_frame" json:"initiate_handshake_frame"`
	ClientPublicKeyFrame   int    `toml:"client_public_key_frame" json:"client_public_key_frame"`
	ClientURLFrame         int    `toml:"client_url_frame" json:"client_url_frame"`
	SSOTicketFrame         int    `toml:"sso_ticket_frame" json:"sso_ticket_frame"`
	GrabEndFrame           int    `toml:"grab_end_frame" json:"grab_end_frame"`
}

// HooksConfig sizes the asynchronous observer pool.
type HooksConfig struct {
	Workers   int `toml:"workers" json:"workers"`
	QueueSize int `toml:"queue_size" json:"queue_size"`
}

// APIServerConfig holds the control API configuration
type APIServerConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr"`
	// TokenHash is a bcrypt hash of the bearer token. Empty disables auth.
	TokenHash string `toml:"token_hash" json:"-"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr"`
}

// DefaultRelayConfig returns a configuration with every default filled in.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		ListenHost:    "127.0.0.1",
		HostsWrite:    true,
		PurgeLoopback: true,
		DNSServer:     "8.8.8.8:53",
		DialTimeout:   Duration{10 * time.Second},
		MaxFrameSize:  1 << 20,
		LogLevel:      "info",
		Protocol: ProtocolConfig{
			HandshakeMarker:        4000,
			OutgoingInferenceFrame: 3,
			IncomingInferenceFrame: 2,
			InitiateHandshakeFrame: 2,
			ClientPublicKeyFrame:   3,
			ClientURLFrame:         4,
			SSOTicketFrame:         6,
			GrabEndFrame:           7,
		},
		Hooks: HooksConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		APIServer: APIServerConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8089",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadRelayConfig reads path on top of DefaultRelayConfig and validates the result.
func LoadRelayConfig(path string) (RelayConfig, error) {
	cfg := DefaultRelayConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return RelayConfig{}, fmt.Errorf("%w: load %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

// Validate checks ranges and addresses. Host and Port may be empty: the
// relay can be told where to connect through the control API instead.
func (c *RelayConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be between 0 and 65535, got %d", ErrInvalidConfig, c.Port)
	}
	if c.Host != "" && c.Port == 0 {
		return fmt.Errorf("%w: port is required when host is set", ErrMissingConfig)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: listen_port must be between 0 and 65535, got %d", ErrInvalidConfig, c.ListenPort)
	}
	if c.SocketSkip < 0 {
		return fmt.Errorf("%w: socket_skip must not be negative, got %d", ErrInvalidConfig, c.SocketSkip)
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("%w: max_frame_size must be positive, got %d", ErrInvalidConfig, c.MaxFrameSize)
	}
	if c.DialTimeout.Duration < 0 || c.IdleTimeout.Duration < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if c.ListenHost != "" && net.ParseIP(c.ListenHost) == nil {
		return fmt.Errorf("%w: listen_host %q is not an IP address", ErrInvalidConfig, c.ListenHost)
	}
	if c.DNSServer != "" {
		if _, _, err := net.SplitHostPort(c.DNSServer); err != nil {
			return fmt.Errorf("%w: dns_server %q: %v", ErrInvalidConfig, c.DNSServer, err)
		}
	}
	if c.UpstreamProxy != "" {
		if _, _, err := net.SplitHostPort(c.UpstreamProxy); err != nil {
			return fmt.Errorf("%w: upstream_proxy %q: %v", ErrInvalidConfig, c.UpstreamProxy, err)
		}
	}
	if c.Hooks.Workers <= 0 || c.Hooks.QueueSize <= 0 {
		return fmt.Errorf("%w: hooks.workers and hooks.queue_size must be positive", ErrInvalidConfig)
	}
	if err := c.Protocol.Validate(); err != nil {
		return err
	}
	if c.APIServer.Enabled && c.APIServer.ListenAddr == "" {
		return fmt.Errorf("%w: api_server.listen_addr", ErrMissingConfig)
	}
	return nil
}

// Validate checks that every ordinal is positive.
func (p *ProtocolConfig) Validate() error {
	ordinals := map[string]int{
		"outgoing_inference_frame": p.OutgoingInferenceFrame,
		"incoming_inference_frame": p.IncomingInferenceFrame,
		"initiate_handshake_frame": p.InitiateHandshakeFrame,
		"client_public_key_frame":  p.ClientPublicKeyFrame,
		"client_url_frame":         p.ClientURLFrame,
		"sso_ticket_frame":         p.SSOTicketFrame,
		"grab_end_frame":           p.GrabEndFrame,
	}
	for name, v := range ordinals {
		if v < 1 {
			return fmt.Errorf("%w: protocol.%s must be at least 1, got %d", ErrInvalidConfig, name, v)
		}
	}
	return nil
}
