package shared

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the pl-server configuration. Every field has a usable
// development default; a YAML file overrides defaults and flags override
// the file.
type ServerConfig struct {
	Address        string `yaml:"address"`
	DatabaseURL    string `yaml:"database_url"`
	PrefixPoolFile string `yaml:"prefix_pool_file"`
	AsnPoolStart   int    `yaml:"asn_pool_start"`
	AsnPoolEnd     int    `yaml:"asn_pool_end"`

	JwksURI   string `yaml:"jwks_uri"`
	Issuer    string `yaml:"issuer"`
	BypassJWT bool   `yaml:"bypass_jwt"`

	AgentKey string `yaml:"agent_key"`

	ManagementAPI string `yaml:"management_api"`
	M2MAppID      string `yaml:"m2m_app_id"`
	M2MAppSecret  string `yaml:"m2m_app_secret"`

	// CleanupInterval is a Go duration string ("1h", "30m"). Empty or "0"
	// disables the expired-lease sweep.
	CleanupInterval string `yaml:"cleanup_interval"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:        "0.0.0.0:8080",
		DatabaseURL:    "./data/peerlab.db",
		PrefixPoolFile: "prefixes.txt",
		AsnPoolStart:   65000,
		AsnPoolEnd:     65999,
		AgentKey:       "agent-key",
	}
}

// LoadServerConfig reads a YAML config file over the defaults. An empty
// path returns the defaults unchanged.
func LoadServerConfig(path string) (*ServerConfig, error) {
	c := DefaultServerConfig()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// Cleanup returns the parsed sweep interval, zero if disabled.
func (c *ServerConfig) Cleanup() (time.Duration, error) {
	if c.CleanupInterval == "" || c.CleanupInterval == "0" {
		return 0, nil
	}
	return time.ParseDuration(c.CleanupInterval)
}

// AgentConfig configures the pl-agent mapping sync client.
type AgentConfig struct {
	ServerURL   string `yaml:"server_url"`
	AgentKey    string `yaml:"agent_key"`
	OutputPath  string `yaml:"output_path"`
	PollSeconds int    `yaml:"poll_seconds"`
}

func LoadAgentConfig(path string) (*AgentConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c AgentConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if c.ServerURL == "" {
		c.ServerURL = "http://localhost:8080"
	}
	if c.OutputPath == "" {
		c.OutputPath = "./mappings.json"
	}
	if c.PollSeconds <= 0 {
		c.PollSeconds = 60
	}
	return &c, nil
}
