// Package auth attaches credentials to outbound requests per configured
// scheme and keeps OAuth2 client-credentials tokens fresh.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/petal-labs/trellis/envelope"
)

// Scheme names the supported credential mechanisms.
type Scheme string

const (
	SchemeNone   Scheme = "none"
	SchemeAPIKey Scheme = "api_key"
	SchemeBearer Scheme = "bearer"
	SchemeOAuth2 Scheme = "oauth2"
)

const defaultAPIKeyHeader = "X-API-Key"

// Config is the per-server credential configuration. Secrets come from
// external configuration; the manager never computes them.
type Config struct {
	Scheme Scheme
	// Header is the API-key header name. Defaults to X-API-Key.
	Header string
	// Secret holds the API key or static bearer token.
	Secret string
	// OAuth2 client-credentials settings.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// HTTPClient performs token-endpoint calls. Defaults to a 10s-timeout client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Manager resolves credentials per server and injects them into request
// headers. Safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	configs map[string]Config
	tokens  map[string]*cachedToken

	flight singleflight.Group
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a manager with no configured servers.
func NewManager(cfg ManagerConfig) *Manager {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configs: make(map[string]Config),
		tokens:  make(map[string]*cachedToken),
		client:  client,
		logger:  logger,
		now:     time.Now,
	}
}

// Configure validates and stores the credential config for one server.
// A missing required secret fails AUTH_CONFIG_INVALID.
func (m *Manager) Configure(serverID string, cfg Config) error {
	if strings.TrimSpace(serverID) == "" {
		return envelope.Newf(envelope.CodeAuthConfigInvalid, false, "auth config requires a server id")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = SchemeNone
	}

	switch cfg.Scheme {
	case SchemeNone:
	case SchemeAPIKey:
		if strings.TrimSpace(cfg.Secret) == "" {
			return envelope.Newf(envelope.CodeAuthConfigInvalid, false,
				"server %q uses api_key auth but no key is configured", serverID)
		}
		if strings.TrimSpace(cfg.Header) == "" {
			cfg.Header = defaultAPIKeyHeader
		}
	case SchemeBearer:
		if strings.TrimSpace(cfg.Secret) == "" {
			return envelope.Newf(envelope.CodeAuthConfigInvalid, false,
				"server %q uses bearer auth but no token is configured", serverID)
		}
	case SchemeOAuth2:
		switch {
		case strings.TrimSpace(cfg.TokenURL) == "":
			return envelope.Newf(envelope.CodeAuthConfigInvalid, false,
				"server %q uses oauth2 auth but no token url is configured", serverID)
		case strings.TrimSpace(cfg.ClientID) == "":
			return envelope.Newf(envelope.CodeAuthConfigInvalid, false,
				"server %q uses oauth2 auth but no client id is configured", serverID)
		case strings.TrimSpace(cfg.ClientSecret) == "":
			return envelope.Newf(envelope.CodeAuthConfigInvalid, false,
				"server %q uses oauth2 auth but no client secret is configured", serverID)
		}
	default:
		return envelope.Newf(envelope.CodeAuthConfigInvalid, false,
			"server %q has unsupported auth scheme %q", serverID, cfg.Scheme)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[serverID] = cfg
	return nil
}

// Attach injects credentials for serverID into header. Servers without a
// configured scheme are treated as SchemeNone.
func (m *Manager) Attach(ctx context.Context, serverID string, header http.Header) error {
	m.mu.RLock()
	cfg, ok := m.configs[serverID]
	m.mu.RUnlock()
	if !ok || cfg.Scheme == SchemeNone {
		return nil
	}

	switch cfg.Scheme {
	case SchemeAPIKey:
		header.Set(cfg.Header, cfg.Secret)
		return nil
	case SchemeBearer:
		header.Set("Authorization", "Bearer "+cfg.Secret)
		return nil
	case SchemeOAuth2:
		token, err := m.token(ctx, serverID, cfg)
		if err != nil {
			return err
		}
		header.Set("Authorization", "Bearer "+token)
		return nil
	default:
		return envelope.Newf(envelope.CodeAuthConfigInvalid, false,
			"server %q has unsupported auth scheme %q", serverID, cfg.Scheme)
	}
}
