// Package config loads the gateway's declarative YAML configuration:
// server endpoints, auth schemes, resilience tuning, storage, and the
// discovery refresh schedule.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/trellis/auth"
	"github.com/petal-labs/trellis/resilience"
	"github.com/petal-labs/trellis/transport"
)

const (
	projectConfigName = "trellis.yaml"
	homeConfigName    = "config.yaml"
)

// File is the top-level trellis.yaml shape.
type File struct {
	// Listen is the inbound API bind address, e.g. ":8137".
	Listen string `yaml:"listen,omitempty"`

	// LocalServerID names the gateway's own tool catalog.
	LocalServerID string `yaml:"local_server_id,omitempty"`

	// InboundToken, when set, requires peers to present it as a bearer token.
	InboundToken string `yaml:"inbound_token,omitempty"`

	Servers map[string]ServerDeclaration `yaml:"servers"`

	Resilience ResilienceConfig `yaml:"resilience,omitempty"`

	// DeadlineSeconds is the default per-invocation ceiling.
	DeadlineSeconds int `yaml:"deadline_seconds,omitempty"`

	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`

	Storage StorageConfig `yaml:"storage,omitempty"`
}

// ServerDeclaration defines one remote server in trellis.yaml.
type ServerDeclaration struct {
	Endpoint          string          `yaml:"endpoint"`
	MaxConnections    int             `yaml:"max_connections,omitempty"`
	AcquireTimeoutMS  int             `yaml:"acquire_timeout_ms,omitempty"`
	IdleTimeoutSecond int             `yaml:"idle_timeout_seconds,omitempty"`
	Auth              AuthDeclaration `yaml:"auth,omitempty"`
}

// AuthDeclaration holds one server's credential scheme. Secret values support
// ${ENV_VAR} expansion so the file itself stays secret-free.
type AuthDeclaration struct {
	Scheme       string   `yaml:"scheme,omitempty"`
	Header       string   `yaml:"header,omitempty"`
	Secret       string   `yaml:"secret,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty"`
	ClientID     string   `yaml:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// ResilienceConfig tunes retry, circuit breaking, and the result cache.
type ResilienceConfig struct {
	MaxAttempts      int `yaml:"max_attempts,omitempty"`
	BaseDelayMS      int `yaml:"base_delay_ms,omitempty"`
	FailureThreshold int `yaml:"failure_threshold,omitempty"`
	CooldownSeconds  int `yaml:"cooldown_seconds,omitempty"`
	CacheTTLSeconds  int `yaml:"cache_ttl_seconds,omitempty"`
}

// DiscoveryConfig controls scheduled remote catalog refresh.
type DiscoveryConfig struct {
	// Schedule is a five-field UTC cron expression; empty disables refresh.
	Schedule string `yaml:"schedule,omitempty"`
	// OnStart triggers one refresh as the daemon comes up.
	OnStart bool `yaml:"on_start,omitempty"`
}

// StorageConfig selects descriptor and pending-invocation persistence.
type StorageConfig struct {
	// SQLitePath is the database file; empty keeps everything in memory.
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// DiscoverPath resolves the config location with first-match semantics:
// explicit path, then ./trellis.yaml, then ~/.trellis/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".trellis", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// An explicit path that does not exist is an error, not a miss.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and validates one config file.
func Load(path string) (File, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return File{}, errors.New("config: path is required")
	}
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(clean)
	if err != nil {
		return File{}, fmt.Errorf("config: reading %q: %w", clean, err)
	}

	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("config: parsing %q: %w", clean, err)
	}
	if err := cfg.Validate(); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// Validate checks structural requirements before any wiring happens.
func (f File) Validate() error {
	for _, name := range f.serverNames() {
		decl := f.Servers[name]
		if strings.TrimSpace(decl.Endpoint) == "" {
			return fmt.Errorf("config: server %q has no endpoint", name)
		}
		if decl.MaxConnections < 0 {
			return fmt.Errorf("config: server %q has negative max_connections", name)
		}
		if scheme := strings.TrimSpace(decl.Auth.Scheme); scheme != "" {
			switch auth.Scheme(scheme) {
			case auth.SchemeNone, auth.SchemeAPIKey, auth.SchemeBearer, auth.SchemeOAuth2:
			default:
				return fmt.Errorf("config: server %q has unknown auth scheme %q", name, scheme)
			}
		}
	}
	if f.Resilience.MaxAttempts < 0 {
		return errors.New("config: resilience.max_attempts may not be negative")
	}
	return nil
}

// ServerNames returns configured server ids in stable order.
func (f File) ServerNames() []string {
	return f.serverNames()
}

func (f File) serverNames() []string {
	names := make([]string, 0, len(f.Servers))
	for name := range f.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TransportEndpoint converts one server declaration into a transport endpoint.
func (d ServerDeclaration) TransportEndpoint(serverID string) transport.Endpoint {
	return transport.Endpoint{
		ID:             serverID,
		BaseAddress:    strings.TrimSpace(d.Endpoint),
		Kind:           transport.KindHTTP,
		MaxConnections: d.MaxConnections,
		AcquireTimeout: time.Duration(d.AcquireTimeoutMS) * time.Millisecond,
		IdleTimeout:    time.Duration(d.IdleTimeoutSecond) * time.Second,
	}
}

// AuthConfig converts one auth declaration into an auth manager config,
// expanding ${ENV} references in secret-bearing fields.
func (d AuthDeclaration) AuthConfig() auth.Config {
	scheme := auth.Scheme(strings.TrimSpace(d.Scheme))
	if scheme == "" {
		scheme = auth.SchemeNone
	}
	return auth.Config{
		Scheme:       scheme,
		Header:       strings.TrimSpace(d.Header),
		Secret:       expandEnv(d.Secret),
		TokenURL:     strings.TrimSpace(d.TokenURL),
		ClientID:     expandEnv(d.ClientID),
		ClientSecret: expandEnv(d.ClientSecret),
		Scopes:       d.Scopes,
	}
}

// RetryPolicy converts the resilience block into a retry policy.
func (r ResilienceConfig) RetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelayMS) * time.Millisecond,
	}
}

// BreakerConfig converts the resilience block into breaker tuning.
func (r ResilienceConfig) BreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: r.FailureThreshold,
		Cooldown:         time.Duration(r.CooldownSeconds) * time.Second,
	}
}

// CacheTTL converts the resilience block's TTL; zero keeps the default.
func (r ResilienceConfig) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLSeconds) * time.Second
}

// DeadlineDuration converts the file's deadline; zero keeps the gateway default.
func (f File) DeadlineDuration() time.Duration {
	return time.Duration(f.DeadlineSeconds) * time.Second
}

// expandEnv substitutes ${VAR} and $VAR from the environment, leaving plain
// values untouched.
func expandEnv(value string) string {
	clean := strings.TrimSpace(value)
	if !strings.Contains(clean, "$") {
		return clean
	}
	return os.ExpandEnv(clean)
}
