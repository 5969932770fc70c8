package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atlashr/portal-client/internal/auth"
	"go.uber.org/zap"
)

// SessionLoggedOutCode is the distinguished body code on a 401 that marks a
// server-initiated session termination. No refresh is attempted.
const SessionLoggedOutCode = "SESSION_LOGGED_OUT"

// ErrSessionEnded marks a terminal auth failure: forced logout, missing or
// rejected refresh credential. The token store has been cleared.
var ErrSessionEnded = errors.New("session ended")

// CoordinatorConfig wires dependencies for access-token renewal.
type CoordinatorConfig struct {
	Log            *zap.Logger
	Store          auth.Store
	Pipeline       *Pipeline
	Metrics        *Metrics
	RefreshPath    string        // defaults to /api/auth/token/refresh/
	RefreshTimeout time.Duration // bound on the refresh call itself
	OnSessionEnd   func(reason string)
	OnRefresh      func(newAccess string)
}

// Coordinator mediates access-token renewal with single-flight semantics: at
// most one refresh request is in the air, and every caller that arrives while
// it is in flight shares its outcome.
type Coordinator struct {
	log            *zap.Logger
	store          auth.Store
	pipeline       *Pipeline
	metrics        *Metrics
	refreshPath    string
	refreshTimeout time.Duration
	onSessionEnd   func(reason string)
	onRefresh      func(newAccess string)

	mu       sync.Mutex
	inFlight bool
	waiters  []chan refreshOutcome
}

type refreshOutcome struct {
	access string
	err    error
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("token store is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("request pipeline is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = "/api/auth/token/refresh/"
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	return &Coordinator{
		log:            cfg.Log,
		store:          cfg.Store,
		pipeline:       cfg.Pipeline,
		metrics:        cfg.Metrics,
		refreshPath:    cfg.RefreshPath,
		refreshTimeout: cfg.RefreshTimeout,
		onSessionEnd:   cfg.OnSessionEnd,
		onRefresh:      cfg.OnRefresh,
	}, nil
}

// Handle401 decides what a 401 response means for the given request. It
// returns the new access credential when the request should be re-dispatched,
// or a terminal error otherwise.
func (c *Coordinator) Handle401(ctx context.Context, req *Request, apiErr *APIError) (string, error) {
	if apiErr.Code() == SessionLoggedOutCode {
		c.endSession("session_logged_out")
		return "", fmt.Errorf("%w: %s", ErrSessionEnded, apiErr.Message)
	}
	if req.retried {
		// Second 401 on the same request is terminal.
		return "", apiErr
	}
	return c.Refresh(ctx)
}

// Refresh obtains a fresh access credential, joining an in-flight refresh if
// one exists. Waiters resume in enqueue order and observe the same outcome.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.inFlight {
		ch := make(chan refreshOutcome, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		select {
		case out := <-ch:
			return out.access, out.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	creds, _ := c.store.Get()
	if creds.Refresh == "" {
		c.mu.Unlock()
		c.endSession("missing_refresh")
		return "", fmt.Errorf("%w: no refresh credential", ErrSessionEnded)
	}
	c.inFlight = true
	c.mu.Unlock()

	access, err := c.doRefresh(creds.Refresh)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrSessionEnded, err)
	}

	c.mu.Lock()
	c.inFlight = false
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	out := refreshOutcome{access: access, err: err}
	for _, ch := range waiters {
		ch <- out
	}

	if err != nil {
		c.metrics.RecordRefreshFailure()
		c.endSession("refresh_failed")
		return "", err
	}

	c.metrics.RecordRefresh()
	c.log.Debug("access token refreshed")
	if c.onRefresh != nil {
		c.onRefresh(access)
	}
	return access, nil
}

// doRefresh runs the actual refresh call. The call is detached from any single
// caller's context: its outcome is shared by every waiter, so cancellation of
// one caller must not fail the rest.
func (c *Coordinator) doRefresh(refresh string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()

	raw, err := c.pipeline.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   c.refreshPath,
		Body:   map[string]string{"refresh": refresh},
		NoAuth: true,
	})
	if err != nil {
		return "", fmt.Errorf("refresh request: %v", err)
	}

	var payload struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if raw == nil || json.Unmarshal(raw, &payload) != nil || payload.Access == "" {
		return "", errors.New("refresh response missing access token")
	}

	next := auth.Credentials{Access: payload.Access, Refresh: refresh}
	if payload.Refresh != "" {
		next.Refresh = payload.Refresh
	}
	if err := c.store.Set(next); err != nil {
		return "", fmt.Errorf("store refreshed credentials: %v", err)
	}
	return payload.Access, nil
}

func (c *Coordinator) endSession(reason string) {
	c.metrics.RecordForcedLogout()
	if err := c.store.Clear(); err != nil {
		c.log.Warn("clear token store", zap.Error(err))
	}
	c.log.Info("session ended", zap.String("reason", reason))
	if c.onSessionEnd != nil {
		c.onSessionEnd(reason)
	}
}
