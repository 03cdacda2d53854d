// Package api implements the HTTP control surface: credential minting
// and SDP exchange for the browser client, gesture and microphone
// controls, reconnect actions, health and state introspection, and the
// stored session endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/parley-ai/parley/internal/approval"
	"github.com/parley-ai/parley/internal/buildinfo"
	"github.com/parley-ai/parley/internal/cancel"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/connwatch"
	"github.com/parley-ai/parley/internal/disconnect"
	"github.com/parley-ai/parley/internal/eventlog"
	"github.com/parley-ai/parley/internal/events"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/mic"
	"github.com/parley-ai/parley/internal/reconnect"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/speech"
	"github.com/parley-ai/parley/internal/transcript"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Deps are the coordinators the control surface exposes. Any field may
// be nil; the corresponding endpoints then return 503.
type Deps struct {
	Sessions *session.Clock
	Health   *health.Monitor
	Detector *disconnect.Detector
	Cancels  *cancel.Coordinator
	Gesture  *cancel.PressTracker
	Mic      *mic.Machine
	Engine   *reconnect.Engine
	Speech   *speech.Manager
	Approval *approval.Gate
	Store    *transcript.Store
	Log      *eventlog.Log
	Bus      *events.Bus

	// Enqueue pushes an event onto the dispatch queue. Used by the
	// transport-state endpoint the browser client reports through.
	Enqueue func(events.Event)

	// Services reports external dependency reachability for /health.
	Services func() map[string]connwatch.ServiceStatus

	// OnResume is called after a stored session is reopened, with the
	// rebuilt conversation context for handoff injection.
	OnResume func(sessionID, handoff string)

	// PairURL is the address encoded into the pairing QR code. When
	// empty the request's own host is used.
	PairURL string
}

// Server is the control surface HTTP server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates the control surface server. Call Start to serve.
func NewServer(cfg config.ListenConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: cfg.Address,
		port:    cfg.Port,
		deps:    deps,
		logger:  logger,
	}
}

// Handler builds the route table. Split out from Start so tests can
// drive the mux through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Browser client call setup.
	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("POST /sdp", s.handleSDP)
	mux.HandleFunc("POST /transport", s.handleTransport)

	// Cancellation gesture and direct cancel.
	mux.HandleFunc("POST /cancel/press", s.handleCancelPress)
	mux.HandleFunc("POST /cancel/release", s.handleCancelRelease)
	mux.HandleFunc("POST /cancel", s.handleCancel)

	// Microphone controls.
	mux.HandleFunc("POST /mic/pause", s.micHandler((*mic.Machine).Pause))
	mux.HandleFunc("POST /mic/resume", s.micHandler((*mic.Machine).Resume))
	mux.HandleFunc("POST /mic/mute", s.micHandler((*mic.Machine).Mute))
	mux.HandleFunc("POST /mic/unmute", s.micHandler((*mic.Machine).Unmute))

	// Reconnection.
	mux.HandleFunc("POST /reconnect", s.handleReconnect)
	mux.HandleFunc("PUT /config/reconnect", s.handleReconnectConfig)

	// Tool approvals.
	mux.HandleFunc("GET /approvals", s.handleApprovalList)
	mux.HandleFunc("POST /approvals/{id}", s.handleApprovalRespond)
	mux.HandleFunc("PUT /config/approval", s.handleApprovalConfig)

	// Introspection.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /eventlog", s.handleEventLog)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /pair", s.handlePair)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /", s.handleRoot)

	// Stored sessions.
	mux.HandleFunc("GET /sessions", s.handleSessionList)
	mux.HandleFunc("GET /sessions/stats", s.handleSessionStats)
	mux.HandleFunc("GET /sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("POST /sessions/{id}/end", s.handleSessionEnd)
	mux.HandleFunc("POST /sessions/{id}/resume", s.handleSessionResume)
	mux.HandleFunc("GET /sessions/{id}/export", s.handleSessionExport)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the /events stream stays open indefinitely
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting control surface", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Parley",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleCreateSession mints an ephemeral client credential for the
// browser to establish the media transport with.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Speech == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "speech service not configured")
		return
	}
	cred, err := s.deps.Speech.CreateCredential(r.Context())
	if err != nil {
		s.logger.Error("credential minting failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "credential minting failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, cred, s.logger)
}

// handleSDP relays the browser's raw SDP offer to the speech service
// and returns the raw answer.
func (s *Server) handleSDP(w http.ResponseWriter, r *http.Request) {
	if s.deps.Speech == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "speech service not configured")
		return
	}
	offer, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "read SDP offer: "+err.Error())
		return
	}
	if len(offer) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "empty SDP offer")
		return
	}

	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	answer, err := s.deps.Speech.ExchangeSDP(r.Context(), offer, bearer)
	if err != nil {
		s.logger.Error("sdp exchange failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "sdp exchange failed")
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	w.Write(answer)
}

// transportReport is what the browser client posts when its peer
// connection changes state. The daemon holds the control channel but
// the media transport lives in the browser, so connectivity has to be
// reported inward.
type transportReport struct {
	State         string `json:"state"` // connected|connecting|disconnected
	ErrorCode     string `json:"error_code,omitempty"`
	UserInitiated bool   `json:"user_initiated,omitempty"`
}

func (s *Server) handleTransport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Enqueue == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event queue unavailable")
		return
	}
	var rep transportReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var kind string
	switch rep.State {
	case "connected":
		kind = events.KindConnected
	case "connecting":
		kind = events.KindConnecting
	case "disconnected":
		kind = events.KindDisconnected
	default:
		s.errorResponse(w, http.StatusBadRequest, "unknown transport state "+strconv.Quote(rep.State))
		return
	}

	e := events.Event{Source: events.SourceTransport, Kind: kind}
	if kind == events.KindDisconnected {
		e.Data = map[string]any{
			"error_code":     rep.ErrorCode,
			"user_initiated": rep.UserInitiated,
		}
	}
	s.deps.Enqueue(e)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancelPress(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gesture == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "gesture tracking unavailable")
		return
	}
	s.deps.Gesture.Press()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancelRelease(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gesture == nil || s.deps.Cancels == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "cancellation unavailable")
		return
	}
	forced, err := s.deps.Gesture.Release()
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "release without press")
		return
	}
	s.runCancel(w, r, forced)
}

// cancelRequest is the direct (non-gesture) cancel body.
type cancelRequest struct {
	Forced bool `json:"forced"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cancels == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "cancellation unavailable")
		return
	}
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	s.runCancel(w, r, req.Forced)
}

func (s *Server) runCancel(w http.ResponseWriter, r *http.Request, forced bool) {
	err := s.deps.Cancels.Cancel(r.Context(), forced)
	switch {
	case errors.Is(err, cancel.ErrAlreadyCancelling):
		s.errorResponse(w, http.StatusConflict, "cancellation already in progress")
		return
	case errors.Is(err, cancel.ErrAckTimeout):
		s.errorResponse(w, http.StatusGatewayTimeout, "cancel acknowledgement timed out")
		return
	case errors.Is(err, cancel.ErrCancelRejected):
		s.errorResponse(w, http.StatusBadGateway, "cancel rejected by runner")
		return
	case err != nil:
		s.logger.Error("cancel failed", "forced", forced, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "cancel signal failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"forced": forced,
		"state":  s.deps.Cancels.Snapshot(),
	}, s.logger)
}

// micHandler adapts one microphone transition method into an endpoint.
func (s *Server) micHandler(op func(*mic.Machine) mic.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Mic == nil {
			s.errorResponse(w, http.StatusServiceUnavailable, "microphone state unavailable")
			return
		}
		state := op(s.deps.Mic)
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{"state": state}, s.logger)
	}
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "reconnect engine unavailable")
		return
	}
	s.deps.Engine.UserReconnect()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"state": s.deps.Engine.State()}, s.logger)
}

// reconnectConfigRequest updates the strategy at runtime.
type reconnectConfigRequest struct {
	Strategy  string `json:"strategy"`
	Keepalive *bool  `json:"keepalive,omitempty"`
}

func (s *Server) handleReconnectConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "reconnect engine unavailable")
		return
	}
	var req reconnectConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validStrategy(req.Strategy) {
		s.errorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("unknown strategy %q (valid: %v)", req.Strategy, config.ReconnectStrategies))
		return
	}

	keepalive := s.deps.Engine.Config().KeepaliveEnabled
	if req.Keepalive != nil {
		keepalive = *req.Keepalive
	}
	s.deps.Engine.SetConfig(req.Strategy, keepalive)

	cfg := s.deps.Engine.Config()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"strategy":  cfg.Strategy,
		"keepalive": cfg.KeepaliveEnabled,
	}, s.logger)
}

func validStrategy(s string) bool {
	for _, v := range config.ReconnectStrategies {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approval == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "approval gate unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"policy":  s.deps.Approval.Policy(),
		"pending": s.deps.Approval.Pending(),
	}, s.logger)
}

// approvalResponse carries the user's answer to a pending request.
type approvalResponse struct {
	Choice string `json:"choice"` // allow_once|allow_always|deny, or loose voice phrasing
}

func (s *Server) handleApprovalRespond(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approval == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "approval gate unavailable")
		return
	}
	var req approvalResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Approval.Respond(id, req.Choice); err != nil {
		s.errorResponse(w, http.StatusNotFound, "no pending approval with that id")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"id":     id,
		"choice": approval.ParseChoice(req.Choice),
	}, s.logger)
}

// approvalConfigRequest updates the approval policy at runtime.
type approvalConfigRequest struct {
	Policy string `json:"policy"`
	Reset  bool   `json:"reset,omitempty"` // forget remembered per-session verdicts
}

func (s *Server) handleApprovalConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approval == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "approval gate unavailable")
		return
	}
	var req approvalConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validPolicy(req.Policy) {
		s.errorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("unknown policy %q (valid: %v)", req.Policy, config.ApprovalPolicies))
		return
	}
	s.deps.Approval.SetPolicy(req.Policy)
	if req.Reset {
		s.deps.Approval.Reset()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"policy": s.deps.Approval.Policy()}, s.logger)
}

func validPolicy(s string) bool {
	for _, v := range config.ApprovalPolicies {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}

	if s.deps.Health != nil {
		resp["level"] = s.deps.Health.Current()
	}
	if s.deps.Detector != nil {
		if reason, ok := s.deps.Detector.Current(); ok {
			resp["disconnect_reason"] = reason
		}
	}
	if s.deps.Engine != nil {
		resp["reconnect"] = map[string]any{
			"state":    s.deps.Engine.State(),
			"count":    s.deps.Engine.Count(),
			"strategy": s.deps.Engine.Config().Strategy,
		}
	}
	if s.deps.Services != nil {
		resp["services"] = s.deps.Services()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}

	if s.deps.Sessions != nil {
		resp["session"] = s.deps.Sessions.Snapshot()
		resp["age"] = s.deps.Sessions.Age().String()
		resp["idle"] = s.deps.Sessions.Idle().String()
		resp["since_last_event"] = s.deps.Sessions.SinceLastEvent().String()
	}
	if s.deps.Health != nil {
		resp["health"] = s.deps.Health.Current()
	}
	if s.deps.Mic != nil {
		resp["mic"] = s.deps.Mic.State()
	}
	if s.deps.Cancels != nil {
		resp["cancel"] = s.deps.Cancels.Snapshot()
	}
	if s.deps.Engine != nil {
		resp["reconnect"] = map[string]any{
			"state":    s.deps.Engine.State(),
			"count":    s.deps.Engine.Count(),
			"strategy": s.deps.Engine.Config().Strategy,
		}
	}
	if s.deps.Detector != nil {
		if reason, ok := s.deps.Detector.Current(); ok {
			resp["disconnect_reason"] = reason
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleEventLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Log == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event log unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"entries": s.deps.Log.Snapshot()}, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcript store unavailable")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	sessions, err := s.deps.Store.List(r.URL.Query().Get("status"), limit)
	if err != nil {
		s.logger.Error("session list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "session list failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": sessions}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcript store unavailable")
		return
	}
	id := r.PathValue("id")
	sess, err := s.deps.Store.Get(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	entries, err := s.deps.Store.Transcript(id, 0)
	if err != nil {
		s.logger.Error("transcript load failed", "session", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "transcript load failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"session": sess, "entries": entries}, s.logger)
}

// sessionEndRequest carries the optional end reason.
type sessionEndRequest struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcript store unavailable")
		return
	}
	var req sessionEndRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "user_ended"
	}
	sess, err := s.deps.Store.End(r.PathValue("id"), req.Reason, req.Error)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sess, s.logger)
}

// handleSessionResume reopens a stored session and rebuilds the
// conversation context a fresh call should start with.
func (s *Server) handleSessionResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcript store unavailable")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Store.Reopen(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	handoff, err := s.deps.Store.ResumptionContext(id, 30)
	if err != nil {
		s.logger.Error("resumption context failed", "session", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "resumption context failed")
		return
	}
	if s.deps.OnResume != nil {
		s.deps.OnResume(id, handoff)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"id":                 id,
		"resumption_context": handoff,
	}, s.logger)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcript store unavailable")
		return
	}
	stats, err := s.deps.Store.SessionStats()
	if err != nil {
		s.logger.Error("session stats failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "session stats failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stats, s.logger)
}

func (s *Server) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcript store unavailable")
		return
	}
	id := r.PathValue("id")
	html, err := s.deps.Store.ExportHTML(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(html)
}
