package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/obdmon/internal/maintenance"
	"github.com/shaunagostinho/obdmon/internal/metrics"
	"github.com/shaunagostinho/obdmon/internal/model"
	"github.com/shaunagostinho/obdmon/internal/monitor"
	"github.com/shaunagostinho/obdmon/internal/sensor"
	"github.com/shaunagostinho/obdmon/internal/store"
)

// Store is the read side of persistence used by the API.
type Store interface {
	RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	UnacknowledgedAlerts(ctx context.Context) ([]model.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64) error
	RecentTrips(ctx context.Context, limit int) ([]model.TripSummary, error)
	MaintenanceEvents(ctx context.Context, limit int) ([]model.MaintenanceEvent, error)
	AddMaintenanceEvent(ctx context.Context, e *model.MaintenanceEvent) error
	ActiveCodes(ctx context.Context) ([]model.DiagnosticCode, error)
}

// Analyzer produces maintenance recommendations.
type Analyzer interface {
	Analyze(ctx context.Context, now time.Time) ([]maintenance.Recommendation, error)
}

// Status exposes the live session.
type Status interface {
	State() monitor.State
	Latest() *model.Reading
	Trip() *model.TripSummary
}

// Server serves the HTTP API and pushes live frames to WebSocket clients.
type Server struct {
	cfg      *Config
	store    Store
	analyzer Analyzer
	status   Status
	ambient  sensor.Provider
	metrics  *metrics.Metrics
	onConfig func(*Config)

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	State   string             `json:"state,omitempty"`
	Reading *model.Reading     `json:"reading,omitempty"`
	Trip    *model.TripSummary `json:"trip,omitempty"`
	Alert   *model.Alert       `json:"alert,omitempty"`
	Stamp   int64              `json:"stamp"` // Unix ms
}

// AmbientStatus is the ambient sensor block of /api/status.
type AmbientStatus struct {
	Source       string   `json:"source"`
	TemperatureF *float64 `json:"temperatureF,omitempty"`
	Overheating  bool     `json:"overheating"`
	Warnings     []string `json:"warnings,omitempty"`
}

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	State   string             `json:"state"`
	Reading *model.Reading     `json:"reading,omitempty"`
	Trip    *model.TripSummary `json:"trip,omitempty"`
	Ambient AmbientStatus      `json:"ambient"`
	Stamp   int64              `json:"stamp"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// New creates a new Server. A nil ambient provider reports no sensor.
func New(cfg *Config, st Store, an Analyzer, status Status, amb sensor.Provider, m *metrics.Metrics) *Server {
	if amb == nil {
		amb = sensor.None{}
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		analyzer: an,
		status:   status,
		ambient:  amb,
		metrics:  m,
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// OnConfig registers a callback run after a config update is accepted, so
// running components can pick up alert, maintenance and polling settings.
// Adapter, storage and server settings take effect on restart.
func (s *Server) OnConfig(fn func(*Config)) { s.onConfig = fn }

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/alerts/ack", s.handleAck)
	mux.HandleFunc("/api/maintenance", s.handleMaintenance)
	mux.HandleFunc("/api/maintenance/events", s.handleEvents)
	mux.HandleFunc("/api/trips", s.handleTrips)
	mux.HandleFunc("/api/codes", s.handleCodes)

	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.cfg.mu.RLock()
	addr := s.cfg.Server.ListenAddr
	s.cfg.mu.RUnlock()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// PublishReading pushes a completed cycle to live clients.
func (s *Server) PublishReading(r model.Reading, trip model.TripSummary) {
	s.broadcast(Frame{Reading: &r, Trip: &trip, Stamp: time.Now().UnixMilli()})
}

// PublishAlert pushes an emitted alert to live clients.
func (s *Server) PublishAlert(a model.Alert) {
	s.broadcast(Frame{Alert: &a, Stamp: time.Now().UnixMilli()})
}

// PublishState pushes a session state change to live clients.
func (s *Server) PublishState(st monitor.State) {
	s.broadcast(Frame{State: st.String(), Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Send the current state before any live frame
	hello := Frame{State: monitor.StateIdle.String(), Stamp: time.Now().UnixMilli()}
	if s.status != nil {
		hello.State = s.status.State().String()
		hello.Reading = s.status.Latest()
		hello.Trip = s.status.Trip()
	}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		if s.onConfig != nil {
			s.onConfig(s.cfg)
		}
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	resp := StatusResponse{
		State:   monitor.StateIdle.String(),
		Ambient: AmbientStatus{Source: s.ambient.Name()},
		Stamp:   time.Now().UnixMilli(),
	}
	if s.status != nil {
		resp.State = s.status.State().String()
		resp.Reading = s.status.Latest()
		resp.Trip = s.status.Trip()
	}
	if sample, ok := s.ambient.Latest(); ok {
		resp.Ambient.TemperatureF = model.Float(sample.TemperatureF)
		resp.Ambient.Overheating = sample.Overheating
		resp.Ambient.Warnings = sensor.AmbientConditionWarnings(sample.TemperatureF, sample.Overheating)
	}
	writeJSON(w, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	var (
		alerts []model.Alert
		err    error
	)
	if v := r.URL.Query().Get("unacknowledged"); v == "1" || v == "true" {
		alerts, err = s.store.UnacknowledgedAlerts(r.Context())
	} else {
		alerts, err = s.store.RecentAlerts(r.Context(), listLimit(r))
	}
	if err != nil {
		log.Printf("[server] alerts: %v", err)
		http.Error(w, "storage error", 500)
		return
	}
	writeJSON(w, nonNil(alerts))
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", 400)
		return
	}
	switch err := s.store.AcknowledgeAlert(r.Context(), id); {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "alert not found", 404)
	case err != nil:
		log.Printf("[server] ack %d: %v", id, err)
		http.Error(w, "storage error", 500)
	default:
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	recs, err := s.analyzer.Analyze(r.Context(), time.Now())
	if err != nil {
		log.Printf("[server] maintenance: %v", err)
		http.Error(w, "storage error", 500)
		return
	}
	writeJSON(w, nonNil(recs))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		events, err := s.store.MaintenanceEvents(r.Context(), listLimit(r))
		if err != nil {
			log.Printf("[server] maintenance events: %v", err)
			http.Error(w, "storage error", 500)
			return
		}
		writeJSON(w, nonNil(events))

	case http.MethodPost:
		var ev model.MaintenanceEvent
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&ev); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		t, ok := model.ParseMaintenanceType(string(ev.Type))
		if !ok {
			http.Error(w, "unknown maintenance type", 400)
			return
		}
		ev.Type = t
		ev.ID = 0
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		if err := s.store.AddMaintenanceEvent(r.Context(), &ev); err != nil {
			log.Printf("[server] add maintenance event: %v", err)
			http.Error(w, "storage error", 500)
			return
		}
		writeJSONStatus(w, http.StatusCreated, ev)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleTrips(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	trips, err := s.store.RecentTrips(r.Context(), listLimit(r))
	if err != nil {
		log.Printf("[server] trips: %v", err)
		http.Error(w, "storage error", 500)
		return
	}
	writeJSON(w, nonNil(trips))
}

func (s *Server) handleCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	codes, err := s.store.ActiveCodes(r.Context())
	if err != nil {
		log.Printf("[server] codes: %v", err)
		http.Error(w, "storage error", 500)
		return
	}
	writeJSON(w, nonNil(codes))
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

// nonNil makes empty lists encode as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}
