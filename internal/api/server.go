// Package api provides the HTTP API for observing the fair.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/temple-fair/internal/agents"
	"github.com/talgya/temple-fair/internal/engine"
	"github.com/talgya/temple-fair/internal/llm"
	"github.com/talgya/temple-fair/internal/persistence"
)

const (
	maxStreamConns   = 8
	snapshotInterval = time.Second
	blessingTimeout  = 20 * time.Second
)

// Server serves the fair state over HTTP.
type Server struct {
	Sim      *engine.Simulation
	Eng      *engine.Engine
	Gateway  *llm.Gateway // nil serves canned blessings
	DB       *persistence.DB
	RunID    string
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	streamConns int32
	upgrader    websocket.Upgrader
	srv         *http.Server
}

// Handler builds the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	blessingLimiter := NewRateLimiter(30, time.Minute)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agent/", s.handleAgentRoutes)
	mux.HandleFunc("/api/v1/vendors", s.handleVendors)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/gateway", s.handleGateway)
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/blessing", RateLimitMiddleware(blessingLimiter, s.handleBlessing))
	mux.HandleFunc("/api/v1/stream", s.handleStream)

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("/api/v1/speed", s.adminOnly(s.handleSpeed))
	mux.HandleFunc("/api/v1/cancel", s.adminOnly(s.handleCancel))

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops the listener, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS to a comma-separated list of extra origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
// GET requests pass through.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no FAIRSIM_ADMIN_KEY set)", http.StatusForbidden)
				return
			}
			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tick := s.Sim.CurrentTick()
	status := map[string]any{
		"name":      "Temple Fair",
		"tick":      tick,
		"fair_time": engine.FairClock(tick, s.interval()),
		"done":      s.Sim.Done(),
		"done_tick": s.Sim.DoneTick(),
		"stats":     s.Sim.Stats(),
		"vendors":   s.Sim.Vendors.Len(),
	}
	if s.Eng != nil {
		status["speed"] = s.Eng.Speed()
		status["running"] = s.Eng.Running()
	}
	if s.RunID != "" {
		status["run"] = s.RunID
	}
	writeJSON(w, status)
}

func (s *Server) interval() time.Duration {
	if s.Eng != nil {
		return s.Eng.Interval
	}
	return 100 * time.Millisecond
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")

	snap := s.Sim.Snapshot()
	result := make([]agents.View, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		if state != "" && a.State.String() != state {
			continue
		}
		result = append(result, a)
	}
	writeJSON(w, result)
}

// handleAgentRoutes serves /api/v1/agent/{id} and /api/v1/agent/{id}/diary.
func (s *Server) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[3] == "" {
		http.Error(w, "missing agent id", http.StatusBadRequest)
		return
	}
	id, err := strconv.Atoi(parts[3])
	if err != nil {
		http.Error(w, "invalid agent id", http.StatusBadRequest)
		return
	}

	if len(parts) >= 5 && parts[4] == "diary" {
		diary, ok := s.Sim.Diary(agents.AgentID(id))
		if !ok {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		if since, err := strconv.Atoi(r.URL.Query().Get("since")); err == nil && since > 0 {
			if since >= len(diary) {
				diary = diary[:0]
			} else {
				diary = diary[since:]
			}
		}
		writeJSON(w, diary)
		return
	}

	view, ok := s.Sim.Agent(agents.AgentID(id))
	if !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, view)
}

func (s *Server) handleVendors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Sim.Snapshot().Vendors)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	events := s.Sim.RecentEvents(0)

	// Optional filters.
	kind := r.URL.Query().Get("kind")
	vendor := r.URL.Query().Get("vendor")
	if kind != "" || vendor != "" {
		var filtered []engine.Event
		for _, e := range events {
			if (kind == "" || e.Kind == kind) && (vendor == "" || e.Vendor == vendor) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	start := 0
	if len(events) > limit {
		start = len(events) - limit
	}
	writeJSON(w, events[start:])
}

// gatewayView is the gateway counters plus the prefilled blessing phrases.
type gatewayView struct {
	llm.Stats
	Cache map[llm.Category][]string `json:"cache"`
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	view := gatewayView{Cache: map[llm.Category][]string{}}
	if s.Gateway != nil {
		view.Stats = s.Gateway.Stats()
		for _, cat := range []llm.Category{llm.CategoryFirework, llm.CategoryKongming} {
			if vals := s.Gateway.Cache().Values(cat); len(vals) > 0 {
				view.Cache[cat] = vals
			}
		}
	}
	writeJSON(w, view)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "run archive disabled", http.StatusNotFound)
		return
	}
	runs, err := s.DB.Runs(20)
	if err != nil {
		slog.Error("list runs failed", "error", err)
		http.Error(w, "list runs failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

// handleBlessing serves one phrase: ?category=kongming|firework&persona=...
func (s *Server) handleBlessing(w http.ResponseWriter, r *http.Request) {
	cat := llm.Category(r.URL.Query().Get("category"))
	if cat == "" {
		cat = llm.CategoryKongming
	}
	if cat != llm.CategoryKongming && cat != llm.CategoryFirework {
		http.Error(w, "category must be kongming or firework", http.StatusBadRequest)
		return
	}
	persona := r.URL.Query().Get("persona")

	if s.Gateway == nil {
		defaults := llm.DefaultBlessings(cat)
		writeJSON(w, map[string]any{"category": cat, "blessing": defaults[0], "fallback": true})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), blessingTimeout)
	defer cancel()
	res, err := s.Gateway.Blessing(cat, persona).Wait(ctx)
	if err != nil {
		http.Error(w, "blessing timed out", http.StatusGatewayTimeout)
		return
	}
	writeJSON(w, map[string]any{
		"category": cat,
		"blessing": res.Text,
		"cached":   res.Cached,
		"fallback": res.Fallback,
	})
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if s.Eng == nil {
		http.Error(w, "engine not attached", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed > 1000 {
			http.Error(w, "speed must be 0-1000", http.StatusBadRequest)
			return
		}
		if err := s.Eng.SetSpeed(req.Speed); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Info("speed changed", "speed", req.Speed)
	}

	writeJSON(w, map[string]float64{"speed": s.Eng.Speed()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.Sim.Cancel()
	slog.Info("fair closing early by admin request")
	writeJSON(w, map[string]bool{"closing": true})
}

// streamMessage is one websocket frame.
type streamMessage struct {
	Type     string           `json:"type"` // "snapshot" or "event"
	Snapshot *engine.Snapshot `json:"snapshot,omitempty"`
	Event    *engine.Event    `json:"event,omitempty"`
}

// handleStream upgrades to a websocket that sends a snapshot on connect and
// then every second, with fair events in between.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	current := atomic.AddInt32(&s.streamConns, 1)
	if current > maxStreamConns {
		atomic.AddInt32(&s.streamConns, -1)
		http.Error(w, "too many stream connections", http.StatusServiceUnavailable)
		return
	}
	defer atomic.AddInt32(&s.streamConns, -1)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	subID, ch := s.Sim.Subscribe(256)
	defer s.Sim.Unsubscribe(subID)
	slog.Info("stream client connected", "sub_id", subID)

	// Reader goroutine only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(m streamMessage) error {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, b)
	}
	sendSnapshot := func() error {
		snap := s.Sim.Snapshot()
		return send(streamMessage{Type: "snapshot", Snapshot: &snap})
	}

	if err := sendSnapshot(); err != nil {
		return
	}

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := send(streamMessage{Type: "event", Event: &e}); err != nil {
				return
			}
		case <-ticker.C:
			if err := sendSnapshot(); err != nil {
				return
			}
		case <-gone:
			slog.Info("stream client disconnected", "sub_id", subID)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
