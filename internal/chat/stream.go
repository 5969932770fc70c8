package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close codes the portal uses to signal auth failure on the channel.
const (
	CloseTokenExpired   = 4001
	CloseSessionRevoked = 4002
)

// codeUnknown marks closes where no websocket close frame was received.
const codeUnknown = -1

// Handler receives dispatched channel events. HandleClosed fires exactly once
// per stream, after which no further callbacks are delivered.
type Handler interface {
	HandleSnapshot(msgs []Message)
	HandleMessage(msg Message)
	HandleTyping(userID, username string, typing bool)
	HandleReaction(messageID, emoji, userID string)
	HandleReadReceipt(messageID, userID string)
	HandleOnlineUsers(users []string)
	HandleClosed(code int, err error)
}

// StreamConfig wires one per-room channel.
type StreamConfig struct {
	Log              *zap.Logger
	BaseURL          string
	RoomID           string
	Access           string
	Handler          Handler
	Metrics          *Metrics
	HandshakeTimeout time.Duration
}

// Stream is a live bidirectional channel to one room.
type Stream struct {
	log     *zap.Logger
	roomID  string
	conn    *websocket.Conn
	handler Handler
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan any
	once   sync.Once
}

// ChannelURL derives the websocket endpoint for a room from the HTTP base.
func ChannelURL(base, roomID, access string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws/chat/" + roomID + "/"
	u.RawQuery = url.Values{"token": {access}}.Encode()
	return u.String(), nil
}

// DialStream opens the channel and starts the read/write pumps.
func DialStream(ctx context.Context, cfg StreamConfig) (*Stream, error) {
	if cfg.Handler == nil {
		return nil, errors.New("stream handler is required")
	}
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}

	wsURL, err := ChannelURL(cfg.BaseURL, cfg.RoomID, cfg.Access)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		log:     cfg.Log,
		roomID:  cfg.RoomID,
		conn:    conn,
		handler: cfg.Handler,
		metrics: cfg.Metrics,
		ctx:     streamCtx,
		cancel:  cancel,
		sendCh:  make(chan any, 32),
	}
	go s.readPump()
	go s.writePump()
	return s, nil
}

// SendMessage queues an outbound chat message. Fails when the channel is
// closed or backpressured; the caller decides whether to fall back to REST.
func (s *Stream) SendMessage(content, messageType, clientID string) error {
	return s.send(outboundMessage{
		Type:        "message",
		Room:        s.roomID,
		Content:     content,
		MessageType: messageType,
		ClientID:    clientID,
	})
}

// TypingStart announces typing; best-effort drop when the channel is down.
func (s *Stream) TypingStart() {
	s.trySend(outboundTyping{Type: "typing_start"})
}

// TypingStop clears the typing announcement; best-effort drop.
func (s *Stream) TypingStop() {
	s.trySend(outboundTyping{Type: "typing_stop"})
}

// SendReaction queues a reaction; best-effort drop.
func (s *Stream) SendReaction(messageID, emoji string) {
	s.trySend(outboundReaction{Type: "reaction", MessageID: messageID, Emoji: emoji})
}

// MarkRead queues a read receipt; best-effort drop.
func (s *Stream) MarkRead(messageID string) {
	s.trySend(outboundReadReceipt{Type: "read_receipt", MessageID: messageID})
}

// Close tears the channel down. The handler's HandleClosed still fires once.
func (s *Stream) Close() {
	s.closeWith(websocket.CloseNormalClosure, nil)
}

func (s *Stream) send(v any) error {
	select {
	case <-s.ctx.Done():
		return errors.New("channel closed")
	case s.sendCh <- v:
		return nil
	default:
		return errors.New("channel backpressure")
	}
}

func (s *Stream) trySend(v any) {
	select {
	case <-s.ctx.Done():
	case s.sendCh <- v:
	default:
	}
}

func (s *Stream) readPump() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.closeWith(closeCode(err), err)
			return
		}
		s.dispatch(data)
	}
}

func (s *Stream) writePump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case v := <-s.sendCh:
			if err := s.conn.WriteJSON(v); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Warn("channel write failed", zap.String("room", s.roomID), zap.Error(err))
				}
				s.closeWith(codeUnknown, err)
				return
			}
		}
	}
}

func (s *Stream) dispatch(data []byte) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []map[string]any
		if err := json.Unmarshal(trimmed, &items); err != nil {
			s.drop(data, err)
			return
		}
		s.handler.HandleSnapshot(normalizeAll(items))
		return
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		s.drop(data, err)
		return
	}

	switch env.Type {
	case "message", "new_message", "created_message":
		payload := env.Data
		if payload == nil {
			payload = env.Message
		}
		msg, ok := Normalize(payload)
		if !ok {
			s.drop(data, errors.New("message frame without identity"))
			return
		}
		s.handler.HandleMessage(msg)
	case "typing":
		s.handler.HandleTyping(string(env.UserID), env.Username, env.IsTyping)
	case "reaction":
		s.handler.HandleReaction(string(env.MessageID), env.Emoji, string(env.UserID))
	case "read_receipt":
		s.handler.HandleReadReceipt(string(env.MessageID), string(env.UserID))
	case "online_users":
		s.handler.HandleOnlineUsers(env.usernames())
	case "user_joined", "user_left":
		// roster churn is covered by the next online_users frame
	default:
		s.drop(data, errors.New("unrecognized frame type "+env.Type))
	}
}

func (s *Stream) drop(data []byte, err error) {
	s.metrics.RecordDroppedFrame()
	s.log.Warn("dropping channel frame",
		zap.String("room", s.roomID),
		zap.Int("bytes", len(data)),
		zap.Error(err))
}

func (s *Stream) closeWith(code int, err error) {
	s.once.Do(func() {
		s.cancel()
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		s.conn.Close()
		s.handler.HandleClosed(code, err)
	})
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return codeUnknown
}
