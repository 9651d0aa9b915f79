package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"strings"

	"hookdeploy/internal/deployment"
	"hookdeploy/internal/metrics"
	"hookdeploy/internal/security"

	"github.com/go-chi/chi/v5"
)

const (
	// MaxPayloadBytes matches the largest payload GitHub delivers (25 MB).
	MaxPayloadBytes = 25 << 20

	EventHeader = "X-GitHub-Event"
)

// HandleWebhook authenticates a GitHub delivery, acknowledges it and runs
// the deploy in the background. The response never reflects the deploy.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	// A body that cannot be read in full cannot be authenticated either,
	// so it gets the same 401 as a bad signature.
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes+1))
	if err != nil || len(body) > MaxPayloadBytes {
		s.Logger.Warn("Rejected unreadable webhook body",
			"ip", r.RemoteAddr, "bytes", len(body), "error", err)
		metrics.WebhookReceived("rejected")
		respondText(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !VerifySignature(body, r.Header.Get(SignatureHeader), s.Secret) {
		s.Logger.Warn("Rejected webhook with invalid signature",
			"ip", r.RemoteAddr, "delivery", r.Header.Get("X-GitHub-Delivery"))
		metrics.WebhookReceived("unauthorized")
		respondText(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	respondText(w, http.StatusOK, "ok")

	// Deliveries without the header (manual curl re-triggers) are treated
	// as pushes.
	if event := r.Header.Get(EventHeader); event != "" && event != "push" {
		s.Logger.Info("Ignoring non-push event", "event", event)
		metrics.WebhookReceived("ignored")
		return
	}
	metrics.WebhookReceived("accepted")

	s.deployWg.Add(1)
	go func() {
		defer s.deployWg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.Logger.Error("Deploy goroutine panicked", "panic", rec, "stack", string(debug.Stack()))
			}
		}()
		// Detached from the request: the deploy outlives the response.
		s.Deployer.Deploy(context.Background(), body)
	}()
}

// HandleLog serves a captured deploy log at /{repoName}/{sha}.txt.
func (s *Server) HandleLog(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	if s.LogDir == "" || !strings.HasSuffix(file, ".txt") {
		s.HandleMethodNotAllowed(w, r)
		return
	}

	repoName := chi.URLParam(r, "repoName")
	sha := strings.TrimSuffix(file, ".txt")
	if security.ValidateRepoName(repoName) != nil || security.ValidateCommitSHA(sha) != nil {
		respondText(w, http.StatusNotFound, "not found")
		return
	}

	path := deployment.LogPath(s.LogDir, repoName, sha)
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.Logger.Error("Failed to open deploy log", "path", path, "error", err)
		}
		respondText(w, http.StatusNotFound, "not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		respondText(w, http.StatusNotFound, "not found")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeContent(w, r, file, info.ModTime(), f)
}

// HandleMethodNotAllowed answers every request outside the webhook and log
// routes.
func (s *Server) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", http.MethodPost)
	respondText(w, http.StatusMethodNotAllowed, "method not allowed")
}

func respondText(w http.ResponseWriter, statusCode int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	fmt.Fprint(w, msg)
}
