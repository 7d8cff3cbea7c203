package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/skiff-dev/skiff/internal/config"
	"github.com/skiff-dev/skiff/internal/deploy"
	"github.com/skiff-dev/skiff/pkg/api"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, prefixed
// with "sha256=", computed with the shared webhook secret.
const SignatureHeader = "X-Skiff-Signature"

const maxBodyBytes = 1 << 20

// RunHistory is the persisted run record the daemon serves reads from.
type RunHistory interface {
	ListRuns(ctx context.Context, limit int) ([]api.RunSummary, error)
	GetRun(ctx context.Context, id string) (api.RunSummary, []api.StepReport, error)
}

// Server is the push-event listener: it verifies webhook signatures, filters
// to the deploy branch, and enqueues one run per matching target.
type Server struct {
	Version string

	cfg      config.Config
	secret   []byte
	queue    *Queue
	registry *deploy.Registry
	history  RunHistory
	srv      *http.Server
}

func NewServer(cfg config.Config, secret string, queue *Queue, registry *deploy.Registry, history RunHistory) *Server {
	return &Server{
		cfg:      cfg,
		secret:   []byte(secret),
		queue:    queue,
		registry: registry,
		history:  history,
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/v0/hooks/push", s.handlePush)
	r.Get("/v0/runs", s.handleRuns)
	r.Get("/v0/runs/{id}", s.handleRun)
	r.Delete("/v0/runs/{id}", s.handleCancel)
	r.Get("/v0/healthz", s.handleHealthz)
	return r
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !s.verifySignature(r.Header.Get(SignatureHeader), body) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("push event with bad signature")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var ev api.PushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	branch := strings.TrimPrefix(ev.Ref, "refs/heads/")
	want := s.cfg.Webhook.Branch
	if want == "" {
		want = "main"
	}
	if branch != want {
		log.Debug().Str("branch", branch).Str("want", want).Msg("push ignored: branch filter")
		http.Error(w, fmt.Sprintf("branch %s not deployed", branch), http.StatusUnprocessableEntity)
		return
	}

	var enqueued []string
	for _, t := range s.cfg.Targets {
		run := deploy.NewRun(t.Name, ev.Commit)
		if err := s.queue.Enqueue(run); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		enqueued = append(enqueued, run.ID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"commit": ev.Commit,
		"runs":   enqueued,
	})
}

func (s *Server) verifySignature(header string, body []byte) bool {
	if len(s.secret) == 0 {
		return false // daemon refuses unsigned operation
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.history.ListRuns(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Surface queued/in-flight runs the store has not seen yet.
	for _, run := range s.registry.Snapshot() {
		sum := run.Summary()
		if sum.FinishedAt == nil {
			runs = append([]api.RunSummary{sum}, runs...)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if run, ok := s.registry.Get(id); ok && run.Summary().FinishedAt == nil {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(run.Summary())
		return
	}
	sum, steps, err := s.history.GetRun(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"run":   sum,
		"steps": steps,
	})
}

// handleCancel requests cancellation of an in-flight run. The sequencer
// honours it between steps; the response only acknowledges the request.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	run.Cancel()
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(run.Summary())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"time":    time.Now(),
		"version": s.Version,
	})
}

// ListenAndServe starts the daemon.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.routes()}
	return s.srv.ListenAndServe()
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler { return s.routes() }

// Shutdown stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
