package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/atlashr/portal-client/internal/auth"
	"go.uber.org/zap"
)

// ClientConfig wires the transport facade.
type ClientConfig struct {
	Log            *zap.Logger
	BaseURL        string
	Store          auth.Store
	HTTPClient     *http.Client
	Metrics        *Metrics
	RefreshPath    string
	RefreshTimeout time.Duration
	OnSessionEnd   func(reason string)
	OnRefresh      func(newAccess string)
}

// Client is the single REST surface the rest of the app uses. It composes the
// request pipeline and the refresh coordinator; callers never see the retry
// mechanism, only terminal success or failure.
type Client struct {
	log       *zap.Logger
	store     auth.Store
	pipeline  *Pipeline
	refresher *Coordinator
	metrics   *Metrics
}

// CallOptions carries the optional parts of a Call.
type CallOptions struct {
	Query url.Values
	Body  any
	Form  *MultipartForm
}

// NewClient builds the transport facade.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	pipeline, err := NewPipeline(PipelineConfig{
		Log:        cfg.Log,
		BaseURL:    cfg.BaseURL,
		Store:      cfg.Store,
		HTTPClient: cfg.HTTPClient,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	refresher, err := NewCoordinator(CoordinatorConfig{
		Log:            cfg.Log,
		Store:          cfg.Store,
		Pipeline:       pipeline,
		Metrics:        cfg.Metrics,
		RefreshPath:    cfg.RefreshPath,
		RefreshTimeout: cfg.RefreshTimeout,
		OnSessionEnd:   cfg.OnSessionEnd,
		OnRefresh:      cfg.OnRefresh,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		log:       cfg.Log,
		store:     cfg.Store,
		pipeline:  pipeline,
		refresher: refresher,
		metrics:   cfg.Metrics,
	}, nil
}

// Call sends one API request, transparently refreshing the access token on a
// 401 and re-dispatching at most once.
func (c *Client) Call(ctx context.Context, method, path string, opts CallOptions) (json.RawMessage, error) {
	req := &Request{
		Method: method,
		Path:   path,
		Query:  opts.Query,
		Body:   opts.Body,
		Form:   opts.Form,
	}

	for {
		raw, err := c.pipeline.Do(ctx, req)
		var apiErr *APIError
		if err == nil || !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
			return raw, err
		}
		if _, rerr := c.refresher.Handle401(ctx, req, apiErr); rerr != nil {
			return nil, rerr
		}
		// The pipeline re-reads the store, so the retry carries the new access.
		req.retried = true
		c.metrics.RecordRetry()
	}
}

// Refresh forces a token refresh, sharing any in-flight attempt.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	return c.refresher.Refresh(ctx)
}

// BaseURL returns the normalized API base URL.
func (c *Client) BaseURL() string {
	return c.pipeline.BaseURL()
}

// Store returns the token store behind the facade.
func (c *Client) Store() auth.Store {
	return c.store
}

// LoginRequest carries portal login credentials. Either Email or Username may
// identify the account.
type LoginRequest struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

// Login authenticates against the portal and populates the token store.
// Response shape varies between portal versions; all known variants are
// normalized: top-level access/refresh, a tokens envelope, or
// access_token/refresh_token aliases.
func (c *Client) Login(ctx context.Context, req LoginRequest) (auth.Credentials, *auth.User, error) {
	raw, err := c.pipeline.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/auth/login/",
		Body:   req,
		NoAuth: true,
	})
	if err != nil {
		return auth.Credentials{}, nil, err
	}

	creds, user, err := parseLoginResponse(raw)
	if err != nil {
		return auth.Credentials{}, nil, err
	}
	if err := c.store.Set(creds); err != nil {
		return auth.Credentials{}, nil, fmt.Errorf("store credentials: %w", err)
	}
	if user != nil {
		if err := c.store.SetUser(user); err != nil {
			return auth.Credentials{}, nil, fmt.Errorf("store user: %w", err)
		}
	}
	return creds, user, nil
}

// Logout revokes the refresh credential server-side and clears the store. The
// local session is cleared even when the revoke call fails.
func (c *Client) Logout(ctx context.Context) error {
	creds, _ := c.store.Get()
	var callErr error
	if creds.Refresh != "" {
		_, callErr = c.pipeline.Do(ctx, &Request{
			Method: http.MethodPost,
			Path:   "/auth/logout/",
			Body:   map[string]string{"refresh": creds.Refresh},
		})
	}
	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("clear token store: %w", err)
	}
	return callErr
}

// Profile fetches the authenticated user's profile and caches it.
func (c *Client) Profile(ctx context.Context) (*auth.User, error) {
	raw, err := c.Call(ctx, http.MethodGet, "/auth/profile/", CallOptions{})
	if err != nil {
		return nil, err
	}
	var user auth.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := c.store.SetUser(&user); err != nil {
		return nil, fmt.Errorf("store user: %w", err)
	}
	return &user, nil
}

// UpdateProfile writes profile fields and refreshes the cached user.
func (c *Client) UpdateProfile(ctx context.Context, fields map[string]any) (*auth.User, error) {
	raw, err := c.Call(ctx, http.MethodPut, "/auth/profile/", CallOptions{Body: fields})
	if err != nil {
		return nil, err
	}
	var user auth.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := c.store.SetUser(&user); err != nil {
		return nil, fmt.Errorf("store user: %w", err)
	}
	return &user, nil
}

func parseLoginResponse(raw json.RawMessage) (auth.Credentials, *auth.User, error) {
	var payload struct {
		Access       string `json:"access"`
		Refresh      string `json:"refresh"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Tokens       *struct {
			Access  string `json:"access"`
			Refresh string `json:"refresh"`
		} `json:"tokens"`
		User *auth.User `json:"user"`
	}
	if raw == nil || json.Unmarshal(raw, &payload) != nil {
		return auth.Credentials{}, nil, errors.New("malformed login response")
	}

	creds := auth.Credentials{Access: payload.Access, Refresh: payload.Refresh}
	if creds.Access == "" && payload.Tokens != nil {
		creds = auth.Credentials{Access: payload.Tokens.Access, Refresh: payload.Tokens.Refresh}
	}
	if creds.Access == "" {
		creds = auth.Credentials{Access: payload.AccessToken, Refresh: payload.RefreshToken}
	}
	if creds.Access == "" {
		return auth.Credentials{}, nil, errors.New("login response missing access token")
	}
	return creds, payload.User, nil
}
