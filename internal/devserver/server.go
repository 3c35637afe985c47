// Package devserver is a self-contained, in-memory stand-in for the
// external notification service: the REST surface plus the websocket
// push channel. It exists for local development and integration tests;
// it is not the production service.
package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/notistream/internal/notify"
)

type Config struct {
	// Token is the bearer credential every request must present.
	Token  string
	Logger notify.Logger
}

type Server struct {
	cfg Config

	mu            sync.Mutex
	notifications map[string]map[string]notify.Notification
	subscribers   map[string]map[*subscriber]struct{}
}

type subscriber struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

type eventEnvelope struct {
	Type    string              `json:"type"`
	Payload notify.Notification `json:"payload"`
}

func New(cfg Config) *Server {
	if cfg.Token == "" {
		cfg.Token = "dev-token"
	}
	return &Server{
		cfg:           cfg,
		notifications: map[string]map[string]notify.Notification{},
		subscribers:   map[string]map[*subscriber]struct{}{},
	}
}

// Publish upserts a notification and pushes it to every subscriber of
// its principal.
func (s *Server) Publish(n notify.Notification) {
	s.mu.Lock()
	byID, ok := s.notifications[n.PrincipalID]
	if !ok {
		byID = map[string]notify.Notification{}
		s.notifications[n.PrincipalID] = byID
	}
	byID[n.ID] = n
	subs := make([]*subscriber, 0, len(s.subscribers[n.PrincipalID]))
	for sub := range s.subscribers[n.PrincipalID] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	envelope := eventEnvelope{Type: "notification", Payload: n}
	for _, sub := range subs {
		if err := wsjson.Write(sub.ctx, sub.conn, envelope); err != nil {
			s.logf("push to subscriber failed: %v", err)
			sub.cancel()
		}
	}
}

// Seed installs a principal's collection without pushing events.
func (s *Server) Seed(principalID string, list []notify.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := map[string]notify.Notification{}
	for _, n := range list {
		byID[n.ID] = n
	}
	s.notifications[principalID] = byID
}

// DropConnections severs every open channel for a principal without
// touching stored state, simulating a transport-level disconnect.
func (s *Server) DropConnections(principalID string) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers[principalID]))
	for sub := range s.subscribers[principalID] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.conn.Close(websocket.StatusServiceRestart, "connection dropped")
		sub.cancel()
	}
}

func (s *Server) SubscriberCount(principalID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers[principalID])
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "notifications" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}
	rest := parts[1:]

	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		s.handleList(w, rest[0])
	case len(rest) == 2 && rest[1] == "stream" && r.Method == http.MethodGet:
		s.handleStream(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "read-all" && r.Method == http.MethodPatch:
		s.handleMarkAllRead(w, rest[0])
	case len(rest) == 2 && rest[1] == "clear-all" && r.Method == http.MethodDelete:
		s.handleClearAll(w, rest[0])
	case len(rest) == 3 && rest[1] == "read" && r.Method == http.MethodPatch:
		s.handleMarkRead(w, rest[0], rest[2])
	case len(rest) == 2 && r.Method == http.MethodDelete:
		s.handleDelete(w, rest[0], rest[1])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")) == s.cfg.Token &&
		strings.HasPrefix(header, "Bearer ")
}

func (s *Server) handleList(w http.ResponseWriter, principalID string) {
	s.mu.Lock()
	list := make([]notify.Notification, 0, len(s.notifications[principalID]))
	for _, n := range s.notifications[principalID] {
		list = append(list, n)
	}
	s.mu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, id, principalID string) {
	s.mu.Lock()
	n, ok := s.notifications[principalID][id]
	if ok {
		n.Read = true
		s.notifications[principalID][id] = n
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, principalID string) {
	s.mu.Lock()
	for id, n := range s.notifications[principalID] {
		n.Read = true
		s.notifications[principalID][id] = n
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDelete(w http.ResponseWriter, id, principalID string) {
	s.mu.Lock()
	_, ok := s.notifications[principalID][id]
	if ok {
		delete(s.notifications[principalID], id)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

func (s *Server) handleClearAll(w http.ResponseWriter, principalID string) {
	s.mu.Lock()
	s.notifications[principalID] = map[string]notify.Notification{}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, principalID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logf("websocket accept failed: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	sub := &subscriber{conn: conn, ctx: ctx, cancel: cancel}

	s.mu.Lock()
	if s.subscribers[principalID] == nil {
		s.subscribers[principalID] = map[*subscriber]struct{}{}
	}
	s.subscribers[principalID][sub] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers[principalID], sub)
		s.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	// The channel is push-only; reading just detects the peer going away.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
