// Package api exposes the gateway's HTTP surface: the signed send and
// retry-trigger endpoints, the public health endpoints, and the Basic-auth
// Grafana ingress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/caasxyz/notification/common/version"
	"github.com/caasxyz/notification/internal/notify/auth"
	"github.com/caasxyz/notification/internal/notify/channel"
	"github.com/caasxyz/notification/internal/notify/dispatch"
	"github.com/caasxyz/notification/internal/notify/errs"
	"github.com/caasxyz/notification/internal/notify/worker"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 1 << 20

// Config holds options for creating a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// GrafanaUser and GrafanaPassword gate POST /ingress/grafana. The
	// ingress route is not registered when either is empty.
	GrafanaUser     string
	GrafanaPassword string
}

// Dispatcher is the subset of the dispatch pipeline the server invokes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error)
}

// RetryTrigger is satisfied by *worker.Trigger.
type RetryTrigger interface {
	Scan(ctx context.Context) (int, error)
}

// Server handles the gateway HTTP routes.
type Server struct {
	cfg        Config
	auth       *auth.Authenticator
	dispatcher Dispatcher
	trigger    RetryTrigger
	cleanup    *worker.Cleanup
	startedAt  time.Time
	mux        *http.ServeMux
	server     *http.Server
}

// New creates a Server (does not start it). cleanup may be nil; the
// scheduled-health endpoint then reports only uptime.
func New(cfg Config, a *auth.Authenticator, d Dispatcher, t RetryTrigger, c *worker.Cleanup) *Server {
	s := &Server{
		cfg:        cfg,
		auth:       a,
		dispatcher: d,
		trigger:    t,
		cleanup:    c,
		startedAt:  time.Now(),
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/health/scheduled", s.handleScheduledHealth)
	s.mux.HandleFunc("/notifications/send", s.handleSend)
	s.mux.HandleFunc("/notifications/retry", s.handleRetry)
	if cfg.GrafanaUser != "" && cfg.GrafanaPassword != "" {
		s.mux.HandleFunc("/ingress/grafana", s.handleGrafana)
	}
	return s
}

// ServeHTTP implements http.Handler so the routes can be tested with
// httptest.NewRecorder, without a live listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api server: listen %s: %w", s.cfg.Addr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api server shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("api server shutdown error", "err", err)
	}
}

// sendRequest is the JSON body of POST /notifications/send. Variable values
// may be any JSON type; non-strings are rendered through their JSON
// representation.
type sendRequest struct {
	UserID         string         `json:"user_id"`
	Channels       []string       `json:"channels"`
	TemplateKey    string         `json:"template_key,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	CustomContent  *customContent `json:"custom_content,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type customContent struct {
	Subject string `json:"subject,omitempty"`
	Content string `json:"content"`
}

type sendData struct {
	RequestID string            `json:"request_id"`
	Results   []dispatch.Result `json:"results"`
}

// handleSend handles POST /notifications/send. The response is 200 with
// per-channel results even when some channels failed; only request-level
// rejections produce a non-200 envelope.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, errs.Validation(errs.CodeInvalidRequest, "request body is not valid JSON"))
		return
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), toDispatchRequest(&req))
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, sendData{RequestID: resp.RequestID, Results: resp.Results})
}

// handleRetry handles POST /notifications/retry: the admin trigger that
// republishes queue messages for overdue retry_scheduled attempts.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, ok := s.readSignedBody(w, r); !ok {
		return
	}

	n, err := s.trigger.Scan(r.Context())
	if err != nil {
		writeError(w, errs.Infrastructure("retry trigger scan", err))
		return
	}

	writeSuccess(w, map[string]int{"republished": n})
}

type healthResponse struct {
	Status     string  `json:"status"`
	Version    string  `json:"version"`
	Commit     string  `json:"commit"`
	UptimeSecs float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
	})
}

type scheduledHealthResponse struct {
	Status         string `json:"status"`
	LastCleanupRun string `json:"last_cleanup_run,omitempty"`
}

// handleScheduledHealth reports the scheduled cleanup job's last completed
// pass so a monitor can alert when the job stalls.
func (s *Server) handleScheduledHealth(w http.ResponseWriter, r *http.Request) {
	resp := scheduledHealthResponse{Status: "ok"}
	if s.cleanup != nil {
		if last := s.cleanup.LastRun(); !last.IsZero() {
			resp.LastCleanupRun = last.UTC().Format(time.RFC3339)
		} else {
			resp.Status = "pending"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// readSignedBody reads the request body and verifies the HMAC headers,
// writing the 401 envelope itself on failure.
func (s *Server) readSignedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, errs.Validation(errs.CodeInvalidRequest, "request body too large or unreadable"))
		return nil, false
	}

	err = s.auth.Verify(
		r.Header.Get(auth.HeaderTimestamp),
		r.Header.Get(auth.HeaderSignature),
		r.Method, r.URL.Path, r.URL.RawQuery, body,
	)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return body, true
}

// toDispatchRequest converts the wire shape to the pipeline's request,
// stringifying non-string variable values.
func toDispatchRequest(req *sendRequest) *dispatch.Request {
	out := &dispatch.Request{
		UserID:         req.UserID,
		TemplateKey:    req.TemplateKey,
		IdempotencyKey: req.IdempotencyKey,
	}
	for _, ch := range req.Channels {
		out.Channels = append(out.Channels, channel.Type(ch))
	}
	if len(req.Variables) > 0 {
		out.Variables = make(map[string]string, len(req.Variables))
		for name, value := range req.Variables {
			out.Variables[name] = stringifyVariable(value)
		}
	}
	if req.CustomContent != nil {
		out.CustomContent = &dispatch.CustomContent{
			Subject: req.CustomContent.Subject,
			Content: req.CustomContent.Content,
		}
	}
	return out
}

func stringifyVariable(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(encoded)
}

// successEnvelope and errorEnvelope are the two response shapes every
// endpoint uses.
type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, successEnvelope{Success: true, Data: data})
}

// writeError maps an error to the envelope and status code of its kind.
// Untyped errors are reported as internal without leaking their text.
func writeError(w http.ResponseWriter, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		slog.Error("unhandled api error", "err", err)
		e = errs.Internal("internal error", nil)
	}
	writeJSON(w, e.HTTPStatus(), errorEnvelope{
		Error:   e.Message,
		Code:    string(e.Code),
		Details: e.Details,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode JSON response", "err", err)
	}
}
