package mcpmgr

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// oauthStateBytes and oauthCodeVerifierBytes mirror RFC 7636's minimum PKCE
// verifier entropy and a matching CSRF state size.
const (
	oauthStateBytes        = 16
	oauthCodeVerifierBytes = 32
)

// oauthProvider drives a single MCP server's authorization-code-with-PKCE
// flow. One provider is created lazily the first time a connection needs
// authentication.
type oauthProvider struct {
	mu sync.Mutex

	serverURL   string
	redirectURL string
	clientID    string

	config       *oauth2.Config
	state        string
	codeVerifier string
	token        *oauth2.Token
}

func newOAuthProvider(serverURL, redirectURL string) *oauthProvider {
	return &oauthProvider{serverURL: serverURL, redirectURL: redirectURL}
}

// ensureRegistered performs RFC 7591 dynamic client registration against the
// server's well-known registration endpoint the first time a client ID is
// needed ("clientId is set once OAuth dynamic registration completes").
func (p *oauthProvider) ensureRegistered(ctx context.Context) error {
	if p.clientID != "" {
		return nil
	}
	base := strings.TrimRight(p.serverURL, "/")
	body, _ := json.Marshal(map[string]any{
		"redirect_uris":              []string{p.redirectURL},
		"token_endpoint_auth_method": "none",
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/register", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("mcpmgr: build dynamic registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("mcpmgr: dynamic client registration: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mcpmgr: dynamic client registration: status %d", resp.StatusCode)
	}

	var out struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("mcpmgr: decode registration response: %w", err)
	}
	if out.ClientID == "" {
		return fmt.Errorf("mcpmgr: registration response missing client_id")
	}
	p.clientID = out.ClientID
	return nil
}

func (p *oauthProvider) endpoints() oauth2.Endpoint {
	base := strings.TrimRight(p.serverURL, "/")
	return oauth2.Endpoint{
		AuthURL:  base + "/authorize",
		TokenURL: base + "/token",
	}
}

// AuthorizationURL generates a fresh state/PKCE pair and the authorization
// URL the caller persists as the record's authUrl.
func (p *oauthProvider) AuthorizationURL() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureRegistered(context.Background()); err != nil {
		return "", err
	}

	p.config = &oauth2.Config{
		ClientID:    p.clientID,
		RedirectURL: p.redirectURL,
		Endpoint:    p.endpoints(),
	}

	state, err := randomBase64(oauthStateBytes)
	if err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	verifier, err := randomBase64(oauthCodeVerifierBytes)
	if err != nil {
		return "", fmt.Errorf("generate pkce verifier: %w", err)
	}
	p.state = state
	p.codeVerifier = verifier

	authURL := p.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
	return authURL, nil
}

// ExchangeCode completes the PKCE flow, exchanging the authorization code
// for tokens.
func (p *oauthProvider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config == nil {
		return nil, fmt.Errorf("mcpmgr: no authorization in flight")
	}
	tok, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(p.codeVerifier))
	if err != nil {
		return nil, err
	}
	p.token = tok
	return tok, nil
}

// ValidateState reports whether the given callback state matches the one
// issued with the authorization URL, guarding against replay/CSRF.
func (p *oauthProvider) ValidateState(state string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return state != "" && state == p.state
}

// AuthHeader returns the bearer-token Authorization header value for the
// current token, or "" if unauthenticated.
func (p *oauthProvider) AuthHeader() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == nil || p.token.AccessToken == "" {
		return ""
	}
	return "Bearer " + p.token.AccessToken
}

func randomBase64(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// defaultRedirect is the fallback redirect target after a callback
// completes, when no configured success/error redirect is set: the
// server's bare origin.
func defaultRedirect(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "/"
	}
	u.Path, u.RawQuery, u.Fragment = "", "", ""
	return u.String()
}
