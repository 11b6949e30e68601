// Package httpapi is the HTTP surface of the indexer service: asset upload
// and registration, control-request publication (reload/stop), operator
// authentication, health probes, and the Prometheus exposition endpoint.
// Control requests are published on the pgnotify channel rather than applied
// to the supervisor directly, so HTTP and non-HTTP callers share one code
// path into the service control loop.
package httpapi

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/chain-indexer/infrastructure/httputil"
	"github.com/R3E-Network/chain-indexer/infrastructure/logging"
	"github.com/R3E-Network/chain-indexer/infrastructure/metrics"
	"github.com/R3E-Network/chain-indexer/internal/authn"
	"github.com/R3E-Network/chain-indexer/internal/control"
	"github.com/R3E-Network/chain-indexer/internal/errkind"
	"github.com/R3E-Network/chain-indexer/internal/manifest"
	"github.com/R3E-Network/chain-indexer/internal/supervisor"
	"github.com/R3E-Network/chain-indexer/pkg/pgnotify"
)

// maxUploadBytes bounds the multipart registration payload (manifest +
// schema + module).
const maxUploadBytes = 32 << 20

// Server wires the indexer subsystems into an http.Handler.
type Server struct {
	sup     *supervisor.Supervisor
	bus     *pgnotify.Bus
	auth    *authn.Authenticator
	db      *sql.DB
	channel string
	log     *logging.Logger
}

// New builds a Server. auth may be nil, in which case the mutating endpoints
// are unauthenticated (development mode); bus may be nil in tests that never
// exercise reload/stop.
func New(sup *supervisor.Supervisor, bus *pgnotify.Bus, auth *authn.Authenticator, db *sql.DB, channel string, log *logging.Logger) *Server {
	if channel == "" {
		channel = "indexer_control"
	}
	if log == nil {
		log = logging.NewFromEnv("httpapi")
	}
	return &Server{sup: sup, bus: bus, auth: auth, db: db, channel: channel, log: log}
}

// Handler returns the service mux with request logging and metrics applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	if metrics.Enabled() {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	mux.HandleFunc("POST /api/auth/nonce", s.handleIssueNonce)
	mux.HandleFunc("POST /api/auth/token", s.handleExchangeNonce)

	mux.HandleFunc("GET /api/indexers", s.requireOperator(s.handleList))
	mux.HandleFunc("POST /api/indexers", s.requireOperator(s.handleRegister))
	mux.HandleFunc("POST /api/indexers/{namespace}/{identifier}/reload", s.requireOperator(s.handleReload))
	mux.HandleFunc("POST /api/indexers/{namespace}/{identifier}/stop", s.requireOperator(s.handleStop))

	return s.instrument(mux)
}

// instrument wraps the mux with trace-id enrichment, structured request
// logging and the shared Prometheus request counters.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logging.WithTraceID(r.Context(), logging.NewTraceID())

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		duration := time.Since(start)
		metrics.Global().RecordHTTPRequest("indexer", r.Method, r.URL.Path, strconv.Itoa(rec.status), duration)
		s.log.LogRequest(ctx, r.Method, r.URL.Path, rec.status, duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requireOperator enforces a bearer token minted by the nonce exchange. A nil
// Authenticator disables the check.
func (s *Server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			httputil.Unauthorized(w, "operator token required")
			return
		}
		subject, err := s.auth.VerifyToken(token)
		if err != nil {
			httputil.Unauthorized(w, "invalid operator token")
			return
		}
		next(w, r.WithContext(logging.WithUserID(r.Context(), subject)))
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.db == nil || s.db.PingContext(ctx) != nil {
		httputil.ServiceUnavailable(w, "database not reachable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type nonceRequest struct {
	Subject string `json:"subject"`
}

type nonceResponse struct {
	Nonce  string    `json:"nonce"`
	Expiry time.Time `json:"expiry"`
}

func (s *Server) handleIssueNonce(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		httputil.NotFound(w, "authentication is not configured")
		return
	}
	var req nonceRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Subject == "" {
		httputil.BadRequest(w, "subject is required")
		return
	}
	nonce, expiry, err := s.auth.IssueNonce(r.Context(), req.Subject)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, nonceResponse{Nonce: nonce, Expiry: expiry})
}

type tokenRequest struct {
	Subject string `json:"subject"`
	Nonce   string `json:"nonce"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleExchangeNonce(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		httputil.NotFound(w, "authentication is not configured")
		return
	}
	var req tokenRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	token, err := s.auth.ExchangeNonce(r.Context(), req.Subject, req.Nonce)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tokenResponse{Token: token})
}

type listResponse struct {
	Indexers []string `json:"indexers"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, listResponse{Indexers: s.sup.LiveUIDs()})
}

// handleRegister accepts the three-part registration payload: a manifest
// document plus the schema and module assets it references.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httputil.BadRequest(w, "expected multipart form upload")
		return
	}

	manifestBytes, err := formFileBytes(r, "manifest")
	if err != nil {
		httputil.BadRequest(w, "manifest part is required")
		return
	}
	schemaBytes, err := formFileBytes(r, "schema")
	if err != nil {
		httputil.BadRequest(w, "schema part is required")
		return
	}
	moduleBytes, err := formFileBytes(r, "module")
	if err != nil {
		httputil.BadRequest(w, "module part is required")
		return
	}

	m, err := manifest.Parse(manifestBytes)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	m.SchemaText = string(schemaBytes)
	m.ModuleBytes = moduleBytes

	replace, _ := strconv.ParseBool(r.FormValue("replace_indexer"))

	if err := s.sup.Register(r.Context(), m, manifest.RegisterOptions{ReplaceIndexer: replace}); err != nil {
		s.writeKindError(w, r, err)
		return
	}

	s.log.WithField("uid", m.UID()).Info("indexer registered")
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"uid": m.UID()})
}

func formFileBytes(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.publishControl(w, r, control.RequestReload)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.publishControl(w, r, control.RequestStop)
}

func (s *Server) publishControl(w http.ResponseWriter, r *http.Request, typ control.RequestType) {
	namespace := r.PathValue("namespace")
	identifier := r.PathValue("identifier")
	if namespace == "" || identifier == "" {
		httputil.BadRequest(w, "namespace and identifier are required")
		return
	}
	if s.bus == nil {
		httputil.ServiceUnavailable(w, "control channel not available")
		return
	}

	req := control.Request{Type: typ, Namespace: namespace, Identifier: identifier}
	if err := s.bus.Publish(r.Context(), s.channel, req); err != nil {
		s.log.WithError(err).Error("publish control request")
		httputil.ServiceUnavailable(w, "failed to publish control request")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"uid":    namespace + "." + identifier,
	})
}

// writeKindError maps an errkind error onto the shared error envelope,
// preserving the kind string as the response code.
func (s *Server) writeKindError(w http.ResponseWriter, r *http.Request, err error) {
	status := errkind.HTTPStatus(err)
	code := "internal_error"
	message := err.Error()
	if e, ok := errkind.As(err); ok {
		code = string(e.Kind)
		message = e.Detail
	}
	metrics.Global().RecordError("indexer", code, r.URL.Path)
	httputil.WriteErrorWithCode(w, status, code, message)
}
