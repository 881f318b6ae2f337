package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

// Session is one connected websocket. Writes are serialized with a mutex
// because gorilla/websocket allows only one concurrent writer.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewSession(conn *websocket.Conn) *Session { return &Session{conn: conn} }

func (s *Session) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// ReadJSON blocks on the next inbound frame. Exposed for the connection
// read loop in the HTTP layer.
func (s *Session) ReadJSON(v any) error { return s.conn.ReadJSON(v) }

func (s *Session) Close() error { return s.conn.Close() }

// Registry maps topics to live sessions. A session registers under its
// identity topic (driver:{id} / rider:{id}) and subscribes to ride topics
// while tracking a ride. Lookup misses are not errors; they mean the
// recipient is simply not connected right now.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]map[*Session]struct{}
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{subs: make(map[string]map[*Session]struct{}), logger: logger}
}

func (r *Registry) Register(topic string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[topic]
	if !ok {
		set = make(map[*Session]struct{})
		r.subs[topic] = set
	}
	set[s] = struct{}{}
}

func (r *Registry) Unregister(topic string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subs[topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.subs, topic)
		}
	}
}

// UnregisterAll drops the session from every topic, used on disconnect.
func (r *Registry) UnregisterAll(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, set := range r.subs {
		delete(set, s)
		if len(set) == 0 {
			delete(r.subs, topic)
		}
	}
}

// Active reports whether any session is registered on the topic. Used by
// the disconnect grace timer to detect a reconnect.
func (r *Registry) Active(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[topic]) > 0
}

// Publish sends the event to every session on the topic, best-effort.
func (r *Registry) Publish(topic string, ev models.Event) {
	r.Deliver(topic, ev)
}

func (r *Registry) Deliver(topic string, ev models.Event) bool {
	r.mu.RLock()
	set := r.subs[topic]
	sessions := make([]*Session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	delivered := false
	for _, s := range sessions {
		if err := s.Send(ev); err != nil {
			r.logger.Warn("ws send failed", "topic", topic, "event", ev.Type, "error", err)
			continue
		}
		delivered = true
	}
	return delivered
}
