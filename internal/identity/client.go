package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const responseBodyLimit = 256 * 1024

// Client talks to the identity provider's REST API. It also owns the change
// feed: every call that alters authentication state broadcasts an event to
// subscribers, in the order the outcomes were observed.
type Client struct {
	baseURL          string
	apiKey           string
	resetRedirectURL string
	httpClient       *http.Client
	feed             *feed

	now func() time.Time
}

// NewClient creates an identity provider client. baseURL is the provider's
// auth endpoint root (e.g. "https://id.example.com/auth/v1"); apiKey is sent
// on every request. resetRedirectURL is where password-reset emails land.
func NewClient(baseURL, apiKey, resetRedirectURL string) *Client {
	return &Client{
		baseURL:          strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:           strings.TrimSpace(apiKey),
		resetRedirectURL: strings.TrimSpace(resetRedirectURL),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		feed: newFeed(),
		now:  time.Now,
	}
}

// Subscribe registers a change-event handler and returns an idempotent
// unsubscribe func.
func (c *Client) Subscribe(fn func(Event, *Session)) func() {
	return c.feed.subscribe(fn)
}

type credentialsRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Data     map[string]any `json:"data,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type recoverRequest struct {
	Email string `json:"email"`
}

type userPayload struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	UserMetadata struct {
		FullName string `json:"full_name"`
	} `json:"user_metadata"`
}

// sessionPayload covers both response shapes the provider uses: a session
// (access_token set, user nested) or a bare user record (ID set at top
// level, no token) when email confirmation is still pending.
type sessionPayload struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	User         *userPayload `json:"user"`

	ID    string `json:"id"`
	Email string `json:"email"`
}

type errorPayload struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (e errorPayload) text() string {
	for _, s := range []string{e.ErrorDescription, e.Msg, e.Message, e.Error} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// SignIn exchanges credentials for a session. On success a SIGNED_IN event
// is broadcast before the call returns.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	var payload sessionPayload
	err := c.doJSON(ctx, http.MethodPost, "/token?grant_type=password", "",
		credentialsRequest{Email: email, Password: password}, &payload)
	if err != nil {
		return nil, err
	}
	sess := c.sessionFromPayload(&payload)
	if sess == nil {
		return nil, fmt.Errorf("identity provider returned no session")
	}
	c.feed.broadcast(EventSignedIn, sess)
	return sess, nil
}

// SignUp registers a new identity. When the provider requires email
// confirmation it returns no session; that outcome is reported as
// RequiresConfirmation rather than conflated with full authentication.
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (*SignUpResult, error) {
	req := credentialsRequest{Email: email, Password: password}
	if strings.TrimSpace(displayName) != "" {
		req.Data = map[string]any{"full_name": displayName}
	}

	var payload sessionPayload
	if err := c.doJSON(ctx, http.MethodPost, "/signup", "", req, &payload); err != nil {
		return nil, err
	}

	if sess := c.sessionFromPayload(&payload); sess != nil {
		c.feed.broadcast(EventSignedIn, sess)
		return &SignUpResult{Session: sess}, nil
	}
	return &SignUpResult{RequiresConfirmation: true}, nil
}

// SignOut revokes the session on the provider. A SIGNED_OUT event is
// broadcast whether or not the provider acknowledged — stale authenticated
// state must never survive a logout.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	err := c.doJSON(ctx, http.MethodPost, "/logout", accessToken, nil, nil)
	c.feed.broadcast(EventSignedOut, nil)
	return err
}

// RequestPasswordReset asks the provider to email a reset link. It has no
// effect on session state.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	path := "/recover"
	if c.resetRedirectURL != "" {
		path += "?redirect_to=" + url.QueryEscape(c.resetRedirectURL)
	}
	return c.doJSON(ctx, http.MethodPost, path, "", recoverRequest{Email: email}, nil)
}

// RefreshSession exchanges a refresh token for a fresh session and
// broadcasts TOKEN_REFRESHED.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	sess, err := c.refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	c.feed.broadcast(EventTokenRefreshed, sess)
	return sess, nil
}

// CurrentSession recovers the session held by a stored refresh token, or
// reports no session when the token is empty or rejected. The outcome is
// broadcast as INITIAL_SESSION so a session store can bootstrap from it.
func (c *Client) CurrentSession(ctx context.Context, refreshToken string) (*Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		c.feed.broadcast(EventInitialSession, nil)
		return nil, nil
	}
	sess, err := c.refresh(ctx, refreshToken)
	if err != nil {
		// A rejected token means "not signed in", not a failure.
		if !isProviderUnavailable(err) {
			c.feed.broadcast(EventInitialSession, nil)
			return nil, nil
		}
		return nil, err
	}
	c.feed.broadcast(EventInitialSession, sess)
	return sess, nil
}

// UserFromToken verifies a bearer access token and returns the identity it
// belongs to. Used by the stateless billing edge path.
func (c *Client) UserFromToken(ctx context.Context, accessToken string) (*Identity, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, ErrUnauthorized
	}
	var payload userPayload
	if err := c.doJSON(ctx, http.MethodGet, "/user", accessToken, nil, &payload); err != nil {
		return nil, err
	}
	if payload.ID == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{
		ID:          payload.ID,
		Email:       payload.Email,
		DisplayName: payload.UserMetadata.FullName,
	}, nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*Session, error) {
	var payload sessionPayload
	err := c.doJSON(ctx, http.MethodPost, "/token?grant_type=refresh_token", "",
		refreshRequest{RefreshToken: refreshToken}, &payload)
	if err != nil {
		return nil, err
	}
	sess := c.sessionFromPayload(&payload)
	if sess == nil {
		return nil, ErrUnauthorized
	}
	return sess, nil
}

func (c *Client) sessionFromPayload(p *sessionPayload) *Session {
	if p == nil || p.AccessToken == "" || p.User == nil {
		return nil
	}
	now := c.now().UTC()
	return &Session{
		Identity: Identity{
			ID:          p.User.ID,
			Email:       p.User.Email,
			DisplayName: p.User.UserMetadata.FullName,
		},
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Duration(p.ExpiresIn) * time.Second),
	}
}

func (c *Client) doJSON(ctx context.Context, method, path, bearer string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal identity request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create identity request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.apiKey)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ep errorPayload
		_ = json.Unmarshal(raw, &ep)
		return mapProviderError(resp.StatusCode, ep.text())
	}

	if respBody != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, respBody); err != nil {
			return fmt.Errorf("decode identity response: %w", err)
		}
	}
	return nil
}

func isProviderUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
