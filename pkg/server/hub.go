package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/primaryrutabaga/umpire/pkg/deploy"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsSendQueue = 32
)

// TransitionFrame is the JSON message sent to watchers for each transition.
type TransitionFrame struct {
	DeployID    string `json:"deploy_id,omitempty"`
	State       string `json:"state"`
	Previous    string `json:"previous,omitempty"`
	ConfigKey   string `json:"config_key,omitempty"`
	OriginalKey string `json:"original_key,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	Error       string `json:"error,omitempty"`
	At          string `json:"at,omitempty"`
}

func frameFrom(t deploy.Transition) TransitionFrame {
	f := TransitionFrame{
		DeployID:    t.DeployID,
		State:       string(t.State),
		Previous:    string(t.Previous),
		ConfigKey:   string(t.ConfigKey),
		OriginalKey: string(t.OriginalKey),
		Outcome:     string(t.Outcome),
		Error:       t.ErrorText(),
	}
	if !t.At.IsZero() {
		f.At = t.At.UTC().Format(time.RFC3339Nano)
	}
	return f
}

type watcher struct {
	send chan []byte
}

// Hub streams deploy transitions to websocket watchers. New watchers first
// receive the latest transition.
type Hub struct {
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	last     []byte
}

// NewHub creates a Hub whose initial state is initial.
func NewHub(initial deploy.State) *Hub {
	last, _ := json.Marshal(TransitionFrame{State: string(initial)})
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		log:      log.With().Str("component", "hub").Logger(),
		watchers: map[*watcher]struct{}{},
		last:     last,
	}
}

// ObserveDeploy implements deploy.Observer. Slow watchers miss frames
// rather than delaying the deploy.
func (h *Hub) ObserveDeploy(t deploy.Transition) {
	data, err := json.Marshal(frameFrom(t))
	if err != nil {
		h.log.Error().Err(err).Msg("encode transition")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = data
	for w := range h.watchers {
		select {
		case w.send <- data:
		default:
			h.log.Warn().Msg("watcher queue full, dropping frame")
		}
	}
}

// Watchers returns the number of connected watchers.
func (h *Hub) Watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

func (h *Hub) register() *watcher {
	w := &watcher{send: make(chan []byte, wsSendQueue)}
	h.mu.Lock()
	defer h.mu.Unlock()
	w.send <- h.last
	h.watchers[w] = struct{}{}
	return w
}

func (h *Hub) unregister(w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watchers, w)
}

func (h *Hub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	w := h.register()
	defer h.unregister(w)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPongWait * 9 / 10)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case msg := <-w.send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
