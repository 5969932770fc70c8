package chat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/atlashr/portal-client/internal/auth"
	"github.com/atlashr/portal-client/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the channel lifecycle state of one room.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

const defaultWatchdogDelay = 900 * time.Millisecond

// CredentialSource exposes the current access token for channel dials.
type CredentialSource interface {
	Get() (auth.Credentials, bool)
}

// ControllerConfig wires the reconnect state machine for one room.
type ControllerConfig struct {
	Log              *zap.Logger
	Facade           Facade
	Credentials      CredentialSource
	RoomID           string
	PollInterval     time.Duration
	WatchdogDelay    time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	HandshakeTimeout time.Duration
	TypingTTL        time.Duration
	Metrics          *Metrics
}

// Controller composes the channel, the fallback poller, and the message log,
// and drives the reconnect state machine. All callbacks from dead generations
// of the channel are discarded.
type Controller struct {
	log              *zap.Logger
	facade           Facade
	creds            CredentialSource
	roomID           string
	watchdogDelay    time.Duration
	handshakeTimeout time.Duration
	metrics          *Metrics

	msgs     *Log
	presence *Presence
	poller   *Poller
	backoff  *Backoff

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	stream     *Stream
	gen        int
	dialAccess string
	watchdog   *time.Timer
	reconnect  *time.Timer
	tornDown   bool
}

// NewController builds the controller. The channel is not opened until Open.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Facade == nil {
		return nil, errors.New("transport facade is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credential source is required")
	}
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.WatchdogDelay <= 0 {
		cfg.WatchdogDelay = defaultWatchdogDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		log:              cfg.Log,
		facade:           cfg.Facade,
		creds:            cfg.Credentials,
		roomID:           cfg.RoomID,
		watchdogDelay:    cfg.WatchdogDelay,
		handshakeTimeout: cfg.HandshakeTimeout,
		metrics:          cfg.Metrics,
		msgs:             NewLog(),
		presence:         NewPresence(cfg.TypingTTL),
		backoff:          NewBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		ctx:              ctx,
		cancel:           cancel,
		state:            StateClosed,
	}

	poller, err := NewPoller(PollerConfig{
		Log:      cfg.Log,
		Facade:   cfg.Facade,
		RoomID:   cfg.RoomID,
		Interval: cfg.PollInterval,
		Apply:    c.applySnapshot,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	c.poller = poller
	return c, nil
}

// Open starts connecting. No-op while already connecting or open.
func (c *Controller) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tornDown || c.state == StateConnecting || c.state == StateOpen {
		return
	}
	c.connectLocked()
}

// Close tears the room down: timers canceled, channel closed, poller stopped.
// No callback delivered afterwards mutates state.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

// State returns the current channel state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Room returns the room this controller serves.
func (c *Controller) Room() string {
	return c.roomID
}

// Messages returns the sorted log view.
func (c *Controller) Messages() []Message {
	return c.msgs.View()
}

// TypingUsers returns who is currently typing.
func (c *Controller) TypingUsers() []string {
	return c.presence.Typing()
}

// OnlineUsers returns the last announced roster.
func (c *Controller) OnlineUsers() []string {
	return c.presence.Online()
}

// SendMessage delivers a message over the channel, falling back to REST when
// the channel is not open. The generated client_id lets the log dedupe the
// echo against the optimistic send.
func (c *Controller) SendMessage(ctx context.Context, content, messageType string) error {
	if messageType == "" {
		messageType = "text"
	}
	clientID := uuid.NewString()

	c.mu.Lock()
	stream := c.stream
	open := c.state == StateOpen
	c.mu.Unlock()

	if open && stream != nil {
		if err := stream.SendMessage(content, messageType, clientID); err == nil {
			return nil
		}
	}

	_, err := c.facade.Call(ctx, http.MethodPost, "/api/chat/messages/", transport.CallOptions{
		Body: map[string]any{
			"room":         c.roomID,
			"content":      content,
			"message_type": messageType,
			"client_id":    clientID,
		},
	})
	return err
}

// TypingStart announces typing; dropped when the channel is down.
func (c *Controller) TypingStart() {
	if s := c.currentStream(); s != nil {
		s.TypingStart()
	}
}

// TypingStop clears the typing announcement; dropped when the channel is down.
func (c *Controller) TypingStop() {
	if s := c.currentStream(); s != nil {
		s.TypingStop()
	}
}

// SendReaction sends a reaction; dropped when the channel is down.
func (c *Controller) SendReaction(messageID, emoji string) {
	if s := c.currentStream(); s != nil {
		s.SendReaction(messageID, emoji)
	}
}

// MarkRead sends a read receipt; dropped when the channel is down.
func (c *Controller) MarkRead(messageID string) {
	if s := c.currentStream(); s != nil {
		s.MarkRead(messageID)
	}
}

// AccessRotated reacts to a token refresh that happened outside the channel.
// An open channel still rides the old token, so force a reconnect.
func (c *Controller) AccessRotated(access string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tornDown || c.state != StateOpen || access == "" || access == c.dialAccess {
		return
	}
	if c.stream != nil {
		s := c.stream
		c.stream = nil
		go s.Close()
	}
	c.connectLocked()
}

// Pull forces one REST snapshot fetch, regardless of channel state.
func (c *Controller) Pull(ctx context.Context) error {
	return c.poller.PullOnce(ctx)
}

func (c *Controller) currentStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil
	}
	return c.stream
}

// connectLocked starts a new dial generation. Caller holds c.mu.
func (c *Controller) connectLocked() {
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)

	creds, _ := c.creds.Get()
	c.dialAccess = creds.Access

	c.stopWatchdogLocked()
	c.watchdog = time.AfterFunc(c.watchdogDelay, func() { c.watchdogFired(gen) })

	go c.dial(gen, creds.Access)
}

func (c *Controller) dial(gen int, access string) {
	stream, err := DialStream(c.ctx, StreamConfig{
		Log:              c.log,
		BaseURL:          c.facade.BaseURL(),
		RoomID:           c.roomID,
		Access:           access,
		Handler:          &streamHandler{c: c, gen: gen},
		Metrics:          c.metrics,
		HandshakeTimeout: c.handshakeTimeout,
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tornDown || gen != c.gen || c.state != StateConnecting {
		if stream != nil {
			go stream.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn("channel dial failed", zap.String("room", c.roomID), zap.Error(err))
		c.enterBackoffLocked()
		return
	}

	c.stream = stream
	c.setStateLocked(StateOpen)
	c.backoff.Reset()
	c.stopWatchdogLocked()
	c.poller.Stop()
	c.metrics.RecordConnect()
	c.log.Info("channel open", zap.String("room", c.roomID))
}

// watchdogFired covers a slow open: fall back to polling while the dial is
// still pending.
func (c *Controller) watchdogFired(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tornDown || gen != c.gen || c.state != StateConnecting {
		return
	}
	c.poller.Start()
	go func() {
		if err := c.poller.PullOnce(c.ctx); err != nil && c.ctx.Err() == nil {
			c.log.Warn("watchdog pull failed", zap.String("room", c.roomID), zap.Error(err))
		}
	}()
}

func (c *Controller) channelClosed(gen, code int, err error) {
	c.mu.Lock()

	if c.tornDown || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	c.stopWatchdogLocked()
	// Invalidate the dead generation: a dial from it that has not committed
	// yet must not store the stream, and the stream's own teardown callback
	// must not re-enter here.
	c.gen++

	switch code {
	case websocket.CloseNormalClosure:
		c.setStateLocked(StateClosed)
		c.stopReconnectLocked()
		c.poller.Stop()
		c.mu.Unlock()

	case CloseTokenExpired, CloseSessionRevoked:
		refreshGen := c.gen
		c.setStateLocked(StateConnecting)
		c.metrics.RecordAuthReconnect()
		c.log.Info("channel closed for auth, refreshing",
			zap.String("room", c.roomID), zap.Int("code", code))
		c.mu.Unlock()
		go c.refreshAndReconnect(refreshGen)

	default:
		if err != nil {
			c.log.Warn("channel lost", zap.String("room", c.roomID), zap.Int("code", code), zap.Error(err))
		}
		c.enterBackoffLocked()
		c.mu.Unlock()
	}
}

// refreshAndReconnect performs exactly one token refresh before the next dial.
func (c *Controller) refreshAndReconnect(gen int) {
	_, err := c.facade.Refresh(c.ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tornDown || gen != c.gen {
		return
	}
	if err != nil {
		c.log.Warn("channel refresh failed", zap.String("room", c.roomID), zap.Error(err))
		c.teardownLocked()
		return
	}
	c.connectLocked()
}

// enterBackoffLocked schedules a reconnect and turns the poller on. Caller
// holds c.mu.
func (c *Controller) enterBackoffLocked() {
	c.setStateLocked(StateBackoff)
	c.stopWatchdogLocked()
	c.poller.Start()
	go func() {
		if err := c.poller.PullOnce(c.ctx); err != nil && c.ctx.Err() == nil {
			c.log.Warn("backoff pull failed", zap.String("room", c.roomID), zap.Error(err))
		}
	}()

	delay := c.backoff.Next()
	c.metrics.RecordReconnect()
	c.stopReconnectLocked()
	gen := c.gen
	c.reconnect = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.tornDown || gen != c.gen || c.state != StateBackoff {
			return
		}
		c.connectLocked()
	})
}

func (c *Controller) applySnapshot(msgs []Message) {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.msgs.Reset(msgs)
}

func (c *Controller) live(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.tornDown && gen == c.gen
}

func (c *Controller) teardownLocked() {
	if c.tornDown {
		return
	}
	c.tornDown = true
	c.gen++
	c.stopWatchdogLocked()
	c.stopReconnectLocked()
	if c.stream != nil {
		s := c.stream
		c.stream = nil
		go s.Close()
	}
	c.poller.Stop()
	c.presence.Clear()
	c.cancel()
	c.setStateLocked(StateClosed)
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	c.metrics.SetChannelState(s)
}

func (c *Controller) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *Controller) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// streamHandler routes channel callbacks into one controller generation.
type streamHandler struct {
	c   *Controller
	gen int
}

func (h *streamHandler) HandleSnapshot(msgs []Message) {
	if !h.c.live(h.gen) {
		return
	}
	h.c.msgs.Reset(msgs)
}

func (h *streamHandler) HandleMessage(msg Message) {
	if !h.c.live(h.gen) {
		return
	}
	h.c.msgs.Upsert(msg)
	h.c.metrics.RecordMerged()
}

func (h *streamHandler) HandleTyping(userID, username string, typing bool) {
	if !h.c.live(h.gen) {
		return
	}
	h.c.presence.SetTyping(userID, username, typing)
}

func (h *streamHandler) HandleReaction(messageID, emoji, userID string) {
	if !h.c.live(h.gen) {
		return
	}
	h.c.msgs.AddReaction(messageID, emoji, userID)
}

func (h *streamHandler) HandleReadReceipt(messageID, userID string) {
	if !h.c.live(h.gen) {
		return
	}
	h.c.msgs.AddReader(messageID, userID)
}

func (h *streamHandler) HandleOnlineUsers(users []string) {
	if !h.c.live(h.gen) {
		return
	}
	h.c.presence.SetOnline(users)
}

func (h *streamHandler) HandleClosed(code int, err error) {
	h.c.channelClosed(h.gen, code, err)
}
