package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/atlashr/portal-client/internal/transport"
	"go.uber.org/zap"
)

const defaultPollInterval = 30 * time.Second

// Facade is the REST surface the chat layer calls through.
type Facade interface {
	Call(ctx context.Context, method, path string, opts transport.CallOptions) (json.RawMessage, error)
	Refresh(ctx context.Context) (string, error)
	BaseURL() string
}

// PollerConfig wires the fallback puller for one room.
type PollerConfig struct {
	Log      *zap.Logger
	Facade   Facade
	RoomID   string
	Interval time.Duration
	Apply    func(msgs []Message)
	Metrics  *Metrics
}

// Poller periodically fetches the authoritative message list while the
// channel is down. Each snapshot replaces the log wholesale.
type Poller struct {
	log      *zap.Logger
	facade   Facade
	roomID   string
	interval time.Duration
	apply    func(msgs []Message)
	metrics  *Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewPoller builds a fallback poller.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Facade == nil {
		return nil, errors.New("transport facade is required")
	}
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if cfg.Apply == nil {
		return nil, errors.New("apply callback is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	return &Poller{
		log:      cfg.Log,
		facade:   cfg.Facade,
		roomID:   cfg.RoomID,
		interval: cfg.Interval,
		apply:    cfg.Apply,
		metrics:  cfg.Metrics,
	}, nil
}

// Start begins the tick loop. Idempotent while running.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(ctx)
}

// Stop halts the tick loop. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// Running reports whether the tick loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PullOnce(ctx); err != nil {
				p.log.Warn("fallback poll failed", zap.String("room", p.roomID), zap.Error(err))
			}
		}
	}
}

// PullOnce fetches one snapshot and applies it.
func (p *Poller) PullOnce(ctx context.Context) error {
	raw, err := p.facade.Call(ctx, http.MethodGet, "/api/chat/rooms/"+p.roomID+"/messages/", transport.CallOptions{})
	if err != nil {
		return err
	}
	p.apply(normalizeBatch(raw))
	p.metrics.RecordFallbackPoll()
	return nil
}
