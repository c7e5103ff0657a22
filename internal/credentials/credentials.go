// Package credentials stores per-user OAuth tokens in the vault and keeps
// them fresh for provider handlers.
package credentials

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/rendis/chainflow/internal/secrets"
	"github.com/rendis/chainflow/pkg/schema"
)

// ProviderConfig is the OAuth client registration for one provider.
type ProviderConfig struct {
	ClientID     string   `mapstructure:"client_id" json:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" json:"client_secret"`
	TokenURL     string   `mapstructure:"token_url" json:"token_url"`
	AuthURL      string   `mapstructure:"auth_url" json:"auth_url"`
	RedirectURL  string   `mapstructure:"redirect_url" json:"redirect_url,omitempty"`
	Scopes       []string `mapstructure:"scopes" json:"scopes,omitempty"`
}

func (p ProviderConfig) oauth2() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL},
		RedirectURL:  p.RedirectURL,
		Scopes:       p.Scopes,
	}
}

// Service hands out access tokens, refreshing them through the provider's
// token endpoint when they expire.
type Service struct {
	vault     *secrets.Vault
	providers map[string]*oauth2.Config
	client    *http.Client
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient sets the client used against token endpoints.
func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.client = c } }

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// New creates a Service over v for the configured providers.
func New(v *secrets.Vault, providers map[string]ProviderConfig, opts ...Option) *Service {
	s := &Service{
		vault:     v,
		providers: make(map[string]*oauth2.Config, len(providers)),
		logger:    slog.Default(),
		locks:     make(map[string]*sync.Mutex),
	}
	for name, p := range providers {
		s.providers[strings.ToLower(name)] = p.oauth2()
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "credentials")
	return s
}

// Providers lists the configured provider names.
func (s *Service) Providers() []string {
	out := make([]string, 0, len(s.providers))
	for name := range s.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func secretKey(userID, provider string) string {
	return "oauth/" + userID + "/" + strings.ToLower(provider)
}

func (s *Service) config(provider string) (*oauth2.Config, error) {
	cfg, ok := s.providers[strings.ToLower(provider)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "oauth provider %q is not configured", provider)
	}
	return cfg, nil
}

func (s *Service) ctx(ctx context.Context) context.Context {
	if s.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, s.client)
}

func (s *Service) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Save stores tok for the user and provider.
func (s *Service) Save(ctx context.Context, userID, provider string, tok *oauth2.Token) error {
	if userID == "" || tok == nil || tok.AccessToken == "" {
		return schema.NewError(schema.ErrCodeValidation, "user id and access token are required")
	}
	if _, err := s.config(provider); err != nil {
		return err
	}
	return s.vault.PutJSON(ctx, secretKey(userID, provider), tok)
}

// Token loads the stored token without refreshing it.
func (s *Service) Token(ctx context.Context, userID, provider string) (*oauth2.Token, error) {
	var tok oauth2.Token
	if err := s.vault.GetJSON(ctx, secretKey(userID, provider), &tok); err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeCredential, "no %s credential for user %q", provider, userID).WithCause(err)
		}
		return nil, err
	}
	return &tok, nil
}

// AccessToken returns a valid access token, refreshing and re-saving the
// stored token when it has expired.
func (s *Service) AccessToken(ctx context.Context, userID, provider string) (string, error) {
	tok, err := s.obtain(ctx, userID, provider, false)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Refresh forces a refresh-token exchange regardless of expiry. Handlers
// call it after a provider rejects the current access token.
func (s *Service) Refresh(ctx context.Context, userID, provider string) (string, error) {
	tok, err := s.obtain(ctx, userID, provider, true)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (s *Service) obtain(ctx context.Context, userID, provider string, force bool) (*oauth2.Token, error) {
	cfg, err := s.config(provider)
	if err != nil {
		return nil, err
	}
	key := secretKey(userID, provider)
	defer s.lock(key)()

	current, err := s.Token(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if !force && current.Valid() {
		return current, nil
	}
	if current.RefreshToken == "" {
		return nil, schema.NewErrorf(schema.ErrCodeCredential, "%s credential for user %q expired and cannot be refreshed", provider, userID)
	}

	stale := *current
	stale.Expiry = time.Now().Add(-time.Hour)
	fresh, err := cfg.TokenSource(s.ctx(ctx), &stale).Token()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCredential, "refresh %s credential", provider).WithCause(err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = current.RefreshToken
	}
	if err := s.vault.PutJSON(ctx, key, fresh); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "credential refreshed", "user_id", userID, "provider", provider)
	return fresh, nil
}

// AuthCodeURL returns the consent URL for the provider.
func (s *Service) AuthCodeURL(provider, state string) (string, error) {
	cfg, err := s.config(provider)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange trades an authorization code for a token and saves it.
func (s *Service) Exchange(ctx context.Context, userID, provider, code string) error {
	cfg, err := s.config(provider)
	if err != nil {
		return err
	}
	tok, err := cfg.Exchange(s.ctx(ctx), code)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCredential, "exchange %s authorization code", provider).WithCause(err)
	}
	return s.Save(ctx, userID, provider, tok)
}

// Delete removes the stored credential.
func (s *Service) Delete(ctx context.Context, userID, provider string) error {
	return s.vault.Delete(ctx, secretKey(userID, provider))
}

// Connected lists the providers the user has a stored credential for.
func (s *Service) Connected(ctx context.Context, userID string) ([]string, error) {
	prefix := "oauth/" + userID + "/"
	keys, err := s.vault.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(out)
	return out, nil
}
