package ipcapi

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"Assembler-IPC/internal/core/network"
	"Assembler-IPC/internal/core/request"
	"Assembler-IPC/internal/ipc"
)

const maxPublishBody = 1 << 20

type Server struct {
	log zerolog.Logger
	tap *network.MemoryPubSub

	mu          sync.RWMutex
	subscribers map[string]*ipc.Subscriber
	publisher   *ipc.Publisher
}

func NewServer(log zerolog.Logger) *Server {
	return &Server{
		log:         log.With().Str("component", "ipcapi").Logger(),
		tap:         network.NewMemoryPubSub(),
		subscribers: make(map[string]*ipc.Subscriber),
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/ipc/subscribers", s.handleSubscribers)
	mux.HandleFunc("/api/ipc/stream", s.handleStream)
	mux.HandleFunc("/api/ipc/publish", s.handlePublish)
}

// AddSubscriber lists sub under /api/ipc/subscribers.
func (s *Server) AddSubscriber(sub *ipc.Subscriber) {
	s.mu.Lock()
	s.subscribers[sub.ID()] = sub
	s.mu.Unlock()
}

// SetPublisher enables POST /api/ipc/publish.
func (s *Server) SetPublisher(p *ipc.Publisher) {
	s.mu.Lock()
	s.publisher = p
	s.mu.Unlock()
}

// Tap wraps next so that every request it handles successfully is also
// streamed to /api/ipc/stream clients.
func (s *Server) Tap(next ipc.Callback) ipc.Callback {
	return func(req request.Request) error {
		if err := next(req); err != nil {
			return err
		}
		body, err := json.Marshal(map[string]any{"action": req.Action(), "request": req})
		if err != nil {
			s.log.Warn().Err(err).Str("action", string(req.Action())).Msg("encode tap event")
			return nil
		}
		_ = s.tap.Publish(string(req.Action()), body)
		return nil
	}
}

// Close ends every open stream.
func (s *Server) Close() error {
	return s.tap.Close()
}

type subscriberStatus struct {
	ID         string        `json:"id"`
	Address    string        `json:"address"`
	Role       string        `json:"role"`
	State      string        `json:"state"`
	Running    bool          `json:"running"`
	LocalAddrs []string      `json:"local_addrs"`
	Peers      *ipc.PeerInfo `json:"peers,omitempty"`
	Stats      ipc.Stats     `json:"stats"`
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.mu.RLock()
	out := make([]subscriberStatus, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		st := subscriberStatus{
			ID:         sub.ID(),
			Address:    sub.Address(),
			Role:       sub.Role().String(),
			State:      sub.State().String(),
			Running:    sub.Running(),
			LocalAddrs: sub.LocalAddrs(),
			Stats:      sub.Stats(),
		}
		if peers, ok := sub.Peers(); ok {
			st.Peers = &peers
		}
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"subscribers": out})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.mu.RLock()
	pub := s.publisher
	s.mu.RUnlock()
	if pub == nil {
		writeError(w, http.StatusServiceUnavailable, "publisher unavailable")
		return
	}

	var body struct {
		Action  request.Action  `json:"action"`
		Topic   string          `json:"topic"`
		Request json.RawMessage `json:"request"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPublishBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Action == "" {
		writeError(w, http.StatusBadRequest, "action required")
		return
	}
	if len(body.Request) == 0 {
		body.Request = json.RawMessage("{}")
	}
	req, err := request.FromJSON(body.Action, body.Request)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	topic := body.Topic
	if topic == "" {
		topic = string(req.Action())
	}
	if err := pub.PublishTopic(topic, req); err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("publish failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "topic": topic})
}

// handleStream sends one SSE event per tapped request. ?topics=a,b limits
// the stream to actions starting with one of the prefixes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	var filter network.Filter
	if raw := strings.TrimSpace(r.URL.Query().Get("topics")); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				filter = append(filter, p)
			}
		}
	}
	ch, cancel, err := s.tap.Subscribe(filter)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write([]byte("event: request\ndata: " + string(msg.Payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
