// mockportal is a self-contained portal backend for exercising the client:
// JWT login/refresh/logout, a profile endpoint, one chat room with a REST
// snapshot, and a websocket room that broadcasts frames. Flags can force auth
// failures to drive the refresh and forced-logout paths.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

type serverConfig struct {
	addr        string
	secret      []byte
	accessTTL   time.Duration
	flakyAuth   int64
	revokeAll   bool
	wsCloseCode int
}

func main() {
	var cfg serverConfig
	var secret string
	flag.StringVar(&cfg.addr, "addr", ":8000", "Listen address")
	flag.StringVar(&secret, "secret", "mockportal-dev-secret", "JWT signing secret")
	flag.DurationVar(&cfg.accessTTL, "access-ttl", 5*time.Minute, "Access token lifetime")
	flag.Int64Var(&cfg.flakyAuth, "flaky-auth", 0, "Reject the first N authorized requests with a 401")
	flag.BoolVar(&cfg.revokeAll, "revoke-sessions", false, "Answer every authorized request with SESSION_LOGGED_OUT")
	flag.IntVar(&cfg.wsCloseCode, "ws-close-code", 0, "Close each websocket with this code right after accepting")
	flag.Parse()
	cfg.secret = []byte(secret)

	srv := newServer(cfg)
	log.Printf("mock portal listening on %s", cfg.addr)
	if err := http.ListenAndServe(cfg.addr, srv.routes()); err != nil {
		log.Fatalf("mock portal failed: %v", err)
	}
}

type server struct {
	cfg      serverConfig
	upgrader websocket.Upgrader

	flakyLeft int64

	mu      sync.Mutex
	nextMsg int
	msgs    []map[string]any
	conns   map[*websocket.Conn]bool
}

func newServer(cfg serverConfig) *server {
	return &server{
		cfg:       cfg,
		flakyLeft: cfg.flakyAuth,
		conns:     make(map[*websocket.Conn]bool),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login/", s.handleLogin)
	mux.HandleFunc("/api/auth/token/refresh/", s.handleRefresh)
	mux.HandleFunc("/api/auth/logout/", s.handleLogout)
	mux.HandleFunc("/api/auth/profile/", s.authorized(s.handleProfile))
	mux.HandleFunc("/api/chat/rooms/", s.authorized(s.handleRoomMessages))
	mux.HandleFunc("/api/chat/messages/", s.authorized(s.handlePostMessage))
	mux.HandleFunc("/ws/chat/", s.handleWebsocket)
	return mux
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Password == "" {
		writeError(w, http.StatusBadRequest, "email/username and password are required")
		return
	}
	subject := body.Email
	if subject == "" {
		subject = body.Username
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access":  s.mintToken(subject, "access", s.cfg.accessTTL),
		"refresh": s.mintToken(subject, "refresh", 24*time.Hour),
		"user": map[string]any{
			"id":       1,
			"email":    subject,
			"username": subject,
			"role":     "employee",
		},
	})
	log.Printf("login for %s", subject)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Refresh == "" {
		writeError(w, http.StatusBadRequest, "refresh is required")
		return
	}
	subject, kind, err := s.parseToken(body.Refresh)
	if err != nil || kind != "refresh" {
		writeError(w, http.StatusUnauthorized, "refresh token is invalid")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access":  s.mintToken(subject, "access", s.cfg.accessTTL),
		"refresh": s.mintToken(subject, "refresh", 24*time.Hour),
	})
	log.Printf("refreshed tokens for %s", subject)
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleProfile(w http.ResponseWriter, r *http.Request, subject string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       1,
		"email":    subject,
		"username": subject,
		"role":     "employee",
	})
}

func (s *server) handleRoomMessages(w http.ResponseWriter, r *http.Request, subject string) {
	s.mu.Lock()
	out := append([]map[string]any(nil), s.msgs...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handlePostMessage(w http.ResponseWriter, r *http.Request, subject string) {
	var body struct {
		Room        string `json:"room"`
		Content     string `json:"content"`
		MessageType string `json:"message_type"`
		ClientID    string `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	msg := s.appendMessage(subject, body.Content, body.MessageType, body.ClientID)
	s.broadcast(map[string]any{"type": "new_message", "data": msg})
	writeJSON(w, http.StatusCreated, msg)
}

func (s *server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	subject, kind, err := s.parseToken(token)
	if err != nil || kind != "access" {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log.Printf("websocket open for %s (%s)", subject, r.URL.Path)

	if code := s.cfg.wsCloseCode; code != 0 {
		msg := websocket.FormatCloseMessage(code, "forced by -ws-close-code")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn] = true
	snapshot := append([]map[string]any(nil), s.msgs...)
	s.mu.Unlock()
	conn.WriteJSON(snapshot)

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame["type"] {
		case "message":
			content, _ := frame["content"].(string)
			msgType, _ := frame["message_type"].(string)
			clientID, _ := frame["client_id"].(string)
			msg := s.appendMessage(subject, content, msgType, clientID)
			s.broadcast(map[string]any{"type": "new_message", "data": msg})
		case "typing_start":
			s.broadcast(map[string]any{"type": "typing", "user_id": subject, "username": subject, "is_typing": true})
		case "typing_stop":
			s.broadcast(map[string]any{"type": "typing", "user_id": subject, "username": subject, "is_typing": false})
		case "reaction":
			s.broadcast(map[string]any{
				"type":       "reaction",
				"message_id": frame["message_id"],
				"emoji":      frame["emoji"],
				"user_id":    subject,
			})
		case "read_receipt":
			s.broadcast(map[string]any{
				"type":       "read_receipt",
				"message_id": frame["message_id"],
				"user_id":    subject,
			})
		}
	}
}

func (s *server) appendMessage(sender, content, msgType, clientID string) map[string]any {
	if msgType == "" {
		msgType = "text"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsg++
	msg := map[string]any{
		"id":           "m-" + strconv.Itoa(s.nextMsg),
		"client_id":    clientID,
		"content":      content,
		"message_type": msgType,
		"created_at":   time.Now().UTC().Format(time.RFC3339Nano),
		"sender":       map[string]any{"id": 1, "username": sender},
	}
	s.msgs = append(s.msgs, msg)
	return msg
}

func (s *server) broadcast(frame map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		if err := conn.WriteJSON(frame); err != nil {
			delete(s.conns, conn)
			conn.Close()
		}
	}
}

// authorized wraps a handler with bearer validation plus the failure knobs.
func (s *server) authorized(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.revokeAll {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"code":   "SESSION_LOGGED_OUT",
				"detail": "Session was logged out from another device",
			})
			return
		}
		if atomic.AddInt64(&s.flakyLeft, -1) >= 0 {
			writeError(w, http.StatusUnauthorized, "token has expired")
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "authorization required")
			return
		}
		subject, kind, err := s.parseToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil || kind != "access" {
			writeError(w, http.StatusUnauthorized, "token is invalid")
			return
		}
		next(w, r, subject)
	}
}

func (s *server) mintToken(subject, kind string, ttl time.Duration) string {
	claims := jwt.MapClaims{
		"sub":        subject,
		"token_type": kind,
		"iat":        time.Now().Unix(),
		"exp":        time.Now().Add(ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.secret)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	return token
}

func (s *server) parseToken(raw string) (subject, kind string, err error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.cfg.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return "", "", fmt.Errorf("token is not valid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("unexpected claims type")
	}
	subject, _ = claims["sub"].(string)
	kind, _ = claims["token_type"].(string)
	return subject, kind, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}
