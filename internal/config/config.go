// Package config loads and validates GhostLink agent and relay server
// configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// AgentConfig is the configuration for the ghostlink-agent process running
// on a controlled machine.
type AgentConfig struct {
	AgentID   string `mapstructure:"agent_id"`
	RelayURL  string `mapstructure:"relay_url"`
	AuthToken string `mapstructure:"auth_token"`

	// Rendezvous / hybrid connectivity
	RendezvousAddr  string   `mapstructure:"rendezvous_addr"`
	STUNServers     []string `mapstructure:"stun_servers"`
	ICEServers      []string `mapstructure:"ice_servers"`
	PreferP2P       bool     `mapstructure:"prefer_p2p"`
	AllowRelay      bool     `mapstructure:"allow_relay_fallback"`
	ConnectTimeoutS int      `mapstructure:"connect_timeout_seconds"`

	// Capture / encode / streaming
	TargetFPS      int    `mapstructure:"target_fps"`
	EncoderPref    string `mapstructure:"encoder_preference"` // "hardware" or "software"
	InitialQuality string `mapstructure:"initial_quality"`    // ultra/high/medium/low/potato
	MinBitrateKbps int    `mapstructure:"min_bitrate_kbps"`
	MaxBitrateKbps int    `mapstructure:"max_bitrate_kbps"`

	// Heartbeat / reconnect
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	MetricsIntervalSeconds   int `mapstructure:"metrics_interval_seconds"`

	// Logging
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Session policy
	DefaultSessionType string `mapstructure:"default_session_type"` // backstage/console/adhoc
}

// RelayConfig is the configuration for the ghostlink-relay server process.
type RelayConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	RendezvousAddr  string `mapstructure:"rendezvous_addr"`
	MaxConnections  int    `mapstructure:"max_connections"`
	MaxSessions     int    `mapstructure:"max_sessions"`
	HeartbeatTimeoutSeconds int `mapstructure:"heartbeat_timeout_seconds"`

	STUNServers []string `mapstructure:"stun_servers"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

// DefaultAgent returns an AgentConfig populated with safe defaults.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		RelayURL:                 "wss://relay.example.com/ws",
		RendezvousAddr:           "relay.example.com:7790",
		STUNServers:              []string{"stun:stun.l.google.com:19302"},
		PreferP2P:                true,
		AllowRelay:               true,
		ConnectTimeoutS:          10,
		TargetFPS:                60,
		EncoderPref:              "hardware",
		InitialQuality:           "high",
		MinBitrateKbps:           300,
		MaxBitrateKbps:           8000,
		HeartbeatIntervalSeconds: 15,
		MetricsIntervalSeconds:   30,
		LogLevel:                 "info",
		LogFormat:                "text",
		LogMaxSizeMB:             50,
		LogMaxBackups:            3,
		DefaultSessionType:       "adhoc",
	}
}

// DefaultRelay returns a RelayConfig populated with safe defaults.
func DefaultRelay() *RelayConfig {
	return &RelayConfig{
		ListenAddr:              ":8443",
		RendezvousAddr:          ":7790",
		MaxConnections:          10000,
		MaxSessions:             5000,
		HeartbeatTimeoutSeconds: 90,
		STUNServers:             []string{"stun:stun.l.google.com:19302"},
		LogLevel:                "info",
		LogFormat:               "json",
		LogMaxSizeMB:            100,
		LogMaxBackups:           5,
	}
}

// LoadAgent reads and validates agent configuration from cfgFile (or the
// default search path when empty). YAML is the expected format, matching
// the rest of the GhostLink config surface.
func LoadAgent(cfgFile string) (*AgentConfig, error) {
	v := viper.New()
	cfg := DefaultAgent()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(agentConfigDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("GHOSTLINK")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read agent config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		slog.Warn("agent config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			slog.Error("agent config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("agent config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// SaveAgent writes cfg to cfgFile (or the default agent.yaml location).
func SaveAgent(cfg *AgentConfig, cfgFile string) error {
	v := viper.New()
	v.Set("agent_id", cfg.AgentID)
	v.Set("relay_url", cfg.RelayURL)
	v.Set("auth_token", cfg.AuthToken)
	v.Set("rendezvous_addr", cfg.RendezvousAddr)
	v.Set("stun_servers", cfg.STUNServers)
	v.Set("ice_servers", cfg.ICEServers)
	v.Set("prefer_p2p", cfg.PreferP2P)
	v.Set("allow_relay_fallback", cfg.AllowRelay)
	v.Set("connect_timeout_seconds", cfg.ConnectTimeoutS)
	v.Set("target_fps", cfg.TargetFPS)
	v.Set("encoder_preference", cfg.EncoderPref)
	v.Set("initial_quality", cfg.InitialQuality)
	v.Set("min_bitrate_kbps", cfg.MinBitrateKbps)
	v.Set("max_bitrate_kbps", cfg.MaxBitrateKbps)
	v.Set("heartbeat_interval_seconds", cfg.HeartbeatIntervalSeconds)
	v.Set("metrics_interval_seconds", cfg.MetricsIntervalSeconds)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("default_session_type", cfg.DefaultSessionType)

	path := cfgFile
	if path == "" {
		path = filepath.Join(agentConfigDir(), "agent.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := v.WriteConfigAs(path); err != nil {
		return err
	}
	return os.Chmod(path, 0600) // contains auth_token
}

// LoadRelay reads and validates relay server configuration. TOML is the
// expected format for the server side of the fleet.
func LoadRelay(cfgFile string) (*RelayConfig, error) {
	v := viper.New()
	cfg := DefaultRelay()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/ghostlink")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("GHOSTLINK_RELAY")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read relay config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal relay config: %w", err)
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		slog.Warn("relay config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			slog.Error("relay config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("relay config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func agentConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "GhostLink")
	case "darwin":
		return "/Library/Application Support/GhostLink"
	default:
		return "/etc/ghostlink"
	}
}
