// Package api implements the API Surface (spec.md §4.8): an HTTP +
// WebSocket server exposing health/status/metrics, commitment
// registration, proof lookup, and reward claims, gated per spec.md's
// admin-mode rules.
//
// No example repo in the retrieved pack runs an HTTP/WS server
// directly; the dependency choice (gorilla/mux, gorilla/websocket,
// google/uuid) is grounded on
// other_examples/manifests/Generativebots-ocx-backend-go-svc/go.mod, a
// socket-gateway service in the same pack that lists all three as
// direct production dependencies (see DESIGN.md).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/edgechain/proofserver/internal/clock"
	"github.com/edgechain/proofserver/internal/config"
	"github.com/edgechain/proofserver/internal/lora"
	"github.com/edgechain/proofserver/internal/metrics"
	"github.com/edgechain/proofserver/internal/nullifier"
	"github.com/edgechain/proofserver/internal/prover"
	"github.com/edgechain/proofserver/internal/registry"
)

// RequestDeadline is the default per-handler deadline (spec.md §5): a
// handler that exceeds it returns 504.
const RequestDeadline = 10 * time.Second

// Server is the API Surface: stdlib net/http plus gorilla/mux routing,
// wired to the shared Registry/Nullifier Store/Prover Dispatcher/Ingress
// components the supervisor constructs.
type Server struct {
	cfg    *config.Config
	reg    *registry.Registry
	nul    *nullifier.Store
	clk    *clock.Clock
	disp   *prover.Dispatcher
	ing    *lora.Ingress
	met    *metrics.Metrics
	log    *logrus.Entry
	hub    *hub
	router *mux.Router

	startedAt time.Time
}

// Deps bundles the Server's constructor dependencies.
type Deps struct {
	Config    *config.Config
	Registry  *registry.Registry
	Nullifier *nullifier.Store
	Clock     *clock.Clock
	Dispatch  *prover.Dispatcher
	Ingress   *lora.Ingress
	Metrics   *metrics.Metrics
	Log       *logrus.Entry
}

// New builds a Server and wires its routes.
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Server{
		cfg:       d.Config,
		reg:       d.Registry,
		nul:       d.Nullifier,
		clk:       d.Clock,
		disp:      d.Dispatch,
		ing:       d.Ingress,
		met:       d.Metrics,
		log:       log.WithField("component", "api"),
		hub:       newHub(),
		startedAt: time.Now(),
	}

	s.router = mux.NewRouter()
	s.routes()
	return s
}

// Handler returns the assembled http.Handler, wrapped with CORS and a
// per-request deadline.
func (s *Server) Handler() http.Handler {
	return withDeadline(s.withCORS(s.router), RequestDeadline)
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.met.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/register-commitment", s.requireAdmin(s.handleRegisterCommitment)).Methods(http.MethodPost)
	s.router.HandleFunc("/merkle-proof/{commitment}", s.handleMerkleProof).Methods(http.MethodGet)
	s.router.HandleFunc("/claim-reward", s.requireAdmin(s.handleClaimReward)).Methods(http.MethodPost)
	s.router.HandleFunc("/ws", s.handleWS)
}

// Broadcast publishes an event to every connected /ws client (spec.md §4.8).
func (s *Server) Broadcast(eventType string, payload any) {
	s.hub.broadcast(event{
		Type:      eventType,
		TimeMs:    time.Now().UnixMilli(),
		Payload:   payload,
	})
}

// writeJSON writes v as a JSON body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the spec.md §6 error shape: { "error": string, "code": string }.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// withDeadline attaches spec.md §5's default request deadline to the
// request context. Handlers that make blocking calls (prover RPC, disk
// fsync) pass this context through and translate a context.DeadlineExceeded
// from those calls into a 504, rather than racing a second goroutine
// against the handler to write the response (which would corrupt the
// response body if both write concurrently).
func withDeadline(next http.Handler, d time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
