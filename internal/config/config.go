// Package config loads the agent daemon configuration from YAML with
// environment overrides. Backend endpoints may be given as plain URLs or
// as multiaddrs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

var ErrInvalidEndpoint = errors.New("invalid backend endpoint")

type Config struct {
	BackendURL    string        `yaml:"backendUrl"`
	DataDir       string        `yaml:"dataDir"`
	AppID         string        `yaml:"appId"`
	Origin        string        `yaml:"origin"`
	ClaimCode     string        `yaml:"claimCode"`
	Listen        string        `yaml:"listen"`
	PromptTimeout time.Duration `yaml:"promptTimeout"`
	AskRPS        float64       `yaml:"askRps"`
	AskBurst      int           `yaml:"askBurst"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
}

type fileConfig struct {
	Agent Config `yaml:"agent"`
}

func DefaultConfig() Config {
	return Config{
		BackendURL:    "http://127.0.0.1:8787",
		DataDir:       defaultDataDir(),
		Listen:        "127.0.0.1:8790",
		PromptTimeout: 2 * time.Minute,
		AskRPS:        0.5,
		AskBurst:      6,
		DialTimeout:   10 * time.Second,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vibe-agent"
	}
	return home + "/.vibe-agent"
}

// LoadFromPath reads the first config file that parses and layers env
// overrides on top. A missing file is not an error, the defaults carry.
func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/agent.yaml",
			"agent.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed.Agent)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src Config) {
	if src.BackendURL != "" {
		dst.BackendURL = src.BackendURL
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.AppID != "" {
		dst.AppID = src.AppID
	}
	if src.Origin != "" {
		dst.Origin = src.Origin
	}
	if src.ClaimCode != "" {
		dst.ClaimCode = src.ClaimCode
	}
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.PromptTimeout != 0 {
		dst.PromptTimeout = src.PromptTimeout
	}
	if src.AskRPS != 0 {
		dst.AskRPS = src.AskRPS
	}
	if src.AskBurst != 0 {
		dst.AskBurst = src.AskBurst
	}
	if src.DialTimeout != 0 {
		dst.DialTimeout = src.DialTimeout
	}
}

func ApplyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"VIBE_BACKEND_URL": &cfg.BackendURL,
		"VIBE_DATA_DIR":    &cfg.DataDir,
		"VIBE_APP_ID":      &cfg.AppID,
		"VIBE_ORIGIN":      &cfg.Origin,
		"VIBE_CLAIM_CODE":  &cfg.ClaimCode,
		"VIBE_LISTEN":      &cfg.Listen,
	}
	for name, dst := range overrides {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("VIBE_PROMPT_TIMEOUT")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.PromptTimeout = d
		}
	}
}

// NormalizeEndpoint turns the configured backend endpoint into an http(s)
// URL. Plain URLs pass through; multiaddrs of the form
// /dns4/host/tcp/443/https or /ip4/1.2.3.4/tcp/8080/http are converted.
func NormalizeEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return strings.TrimRight(endpoint, "/"), nil
	}
	if !strings.HasPrefix(endpoint, "/") {
		return "", fmt.Errorf("%w: %q is neither a url nor a multiaddr", ErrInvalidEndpoint, endpoint)
	}

	addr, err := ma.NewMultiaddr(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	host := ""
	for _, code := range []int{ma.P_DNS4, ma.P_DNS6, ma.P_DNS, ma.P_IP4, ma.P_IP6} {
		if v, err := addr.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", fmt.Errorf("%w: %q has no host component", ErrInvalidEndpoint, endpoint)
	}

	port, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", fmt.Errorf("%w: %q has no tcp port", ErrInvalidEndpoint, endpoint)
	}

	scheme := "http"
	if _, err := addr.ValueForProtocol(ma.P_HTTPS); err == nil {
		scheme = "https"
	} else if _, err := addr.ValueForProtocol(ma.P_TLS); err == nil {
		scheme = "https"
	}

	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		return fmt.Sprintf("%s://%s", scheme, host), nil
	}
	return fmt.Sprintf("%s://%s:%s", scheme, host, port), nil
}
