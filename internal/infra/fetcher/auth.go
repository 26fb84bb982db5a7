package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"feed-relay/internal/config"
	"feed-relay/internal/pkg/clock"
	"feed-relay/internal/pkg/domainkey"
	"feed-relay/internal/resilience/retry"
)

const (
	// tokens are refreshed this long before they expire
	tokenExpirySkew = 30 * time.Second
	// used when neither expires_in nor a JWT exp claim is present
	defaultTokenTTL = 5 * time.Minute
)

// Credential is an OAuth client-credentials grant for one domain.
type Credential struct {
	ID           string
	Domain       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// TokenSource hands out bearer tokens for feed hosts that require them.
// Concurrent callers needing a refresh share one in-flight token request
// per credential.
type TokenSource struct {
	client *http.Client
	clock  clock.Clock
	logger *slog.Logger

	creds []Credential
	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedToken
}

// NewTokenSource creates a token source for creds.
func NewTokenSource(creds []Credential, client *http.Client, clk clock.Clock, logger *slog.Logger) *TokenSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenSource{
		client: client,
		clock:  clock.OrSystem(clk),
		logger: logger,
		creds:  creds,
		cache:  make(map[string]cachedToken),
	}
}

// CredentialsFromConfig resolves the auth blocks of cfg against the
// environment. Domains whose variables are unset are skipped with a warning.
func CredentialsFromConfig(cfg *config.DomainConfig, logger *slog.Logger) []Credential {
	if logger == nil {
		logger = slog.Default()
	}
	var creds []Credential
	for _, r := range cfg.AuthDomains() {
		id, secret := os.Getenv(r.Auth.ClientIDEnv), os.Getenv(r.Auth.ClientSecretEnv)
		if id == "" || secret == "" {
			logger.Warn("feed auth credentials not set, fetching anonymously",
				slog.String("domain", r.Domain),
				slog.String("client_id_env", r.Auth.ClientIDEnv))
			continue
		}
		creds = append(creds, Credential{
			ID:           r.Domain,
			Domain:       r.Domain,
			TokenURL:     r.Auth.TokenURL,
			ClientID:     id,
			ClientSecret: secret,
			Scopes:       r.Auth.Scopes,
		})
	}
	return creds
}

func (s *TokenSource) credentialFor(feedURL string) (Credential, bool) {
	host := domainkey.Host(feedURL)
	for _, c := range s.creds {
		if domainkey.Matches(host, c.Domain) {
			return c, true
		}
	}
	return Credential{}, false
}

// Token returns a bearer token for feedURL. ok is false when the host needs
// no authentication.
func (s *TokenSource) Token(ctx context.Context, feedURL string) (token string, ok bool, err error) {
	cred, found := s.credentialFor(feedURL)
	if !found {
		return "", false, nil
	}
	if tok, hit := s.cached(cred.ID); hit {
		return tok, true, nil
	}

	ch := s.group.DoChan(cred.ID, func() (interface{}, error) {
		if tok, hit := s.cached(cred.ID); hit {
			return tok, nil
		}
		// shared by every waiter, so not bound to the first caller's context
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.client.Timeout+time.Second)
		defer cancel()
		t, err := s.fetch(fetchCtx, cred)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.cache[cred.ID] = t
		s.mu.Unlock()
		s.logger.Debug("feed token refreshed",
			slog.String("domain", cred.Domain),
			slog.Time("expires_at", t.expiresAt))
		return t.value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", true, fmt.Errorf("refresh token for %s: %w", cred.Domain, res.Err)
		}
		return res.Val.(string), true, nil
	case <-ctx.Done():
		return "", true, ctx.Err()
	}
}

// Invalidate drops the cached token of feedURL's credential, e.g. after
// the host answered 401 with it.
func (s *TokenSource) Invalidate(feedURL string) {
	cred, found := s.credentialFor(feedURL)
	if !found {
		return
	}
	s.mu.Lock()
	delete(s.cache, cred.ID)
	s.mu.Unlock()
}

func (s *TokenSource) cached(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.cache[id]
	if !ok || !s.clock.Now().Add(tokenExpirySkew).Before(t.expiresAt) {
		return "", false
	}
	return t.value, true
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (s *TokenSource) fetch(ctx context.Context, cred Credential) (cachedToken, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	if len(cred.Scopes) > 0 {
		form.Set("scope", strings.Join(cred.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return cachedToken{}, fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(cred.ClientID, cred.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return cachedToken{}, fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return cachedToken{}, &retry.HTTPError{StatusCode: resp.StatusCode, Message: "token endpoint: " + resp.Status}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return cachedToken{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return cachedToken{}, errors.New("token response without access_token")
	}

	now := s.clock.Now()
	expiresAt := now.Add(defaultTokenTTL)
	switch {
	case tr.ExpiresIn > 0:
		expiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	default:
		if exp, ok := jwtExpiry(tr.AccessToken); ok {
			expiresAt = exp
		}
	}
	return cachedToken{value: tr.AccessToken, expiresAt: expiresAt}, nil
}

// jwtExpiry reads the exp claim of a JWT access token. The signature is not
// verified: the token is only forwarded, never trusted.
func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
