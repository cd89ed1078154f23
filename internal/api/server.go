// Package api is the daemon's local HTTP bridge: a UI shell drives the
// vault and session over it, and embedded applications reach the data
// facade through it. It binds to loopback and is not a public surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vibe/go-agent/internal/agent"
	"vibe/go-agent/internal/identity"
	"vibe/go-agent/internal/mediator"
	"vibe/go-agent/internal/transport"
	"vibe/go-agent/internal/vault"
	"vibe/go-agent/pkg/models"
)

const (
	DefaultListenAddr = "127.0.0.1:8790"

	promptPollTimeout = 25 * time.Second
)

type Server struct {
	httpServer *http.Server
	agent      *agent.Agent
	prompts    *PromptBridge
	logger     *slog.Logger
}

func NewServer(listenAddr string, ag *agent.Agent, prompts *PromptBridge, logger *slog.Logger) *Server {
	if listenAddr == "" {
		listenAddr = DefaultListenAddr
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		agent:   ag,
		prompts: prompts,
		logger:  logger,
	}

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/vault/create", s.handleVaultCreate)
	mux.HandleFunc("/v1/vault/import", s.handleVaultImport)
	mux.HandleFunc("/v1/vault/unlock", s.handleVaultUnlock)
	mux.HandleFunc("/v1/vault/lock", s.handleVaultLock)
	mux.HandleFunc("/v1/session", s.handleSession)
	mux.HandleFunc("/v1/identities", s.handleIdentities)
	mux.HandleFunc("/v1/identities/active", s.handleSetActiveIdentity)
	mux.HandleFunc("/v1/permissions/revoke", s.handleRevokeOrigin)
	mux.HandleFunc("/v1/init", s.handleInit)
	mux.HandleFunc("/v1/data/read-once", s.handleReadOnce)
	mux.HandleFunc("/v1/data/write", s.handleWrite)
	mux.HandleFunc("/v1/data/stream", s.handleStream)
	mux.HandleFunc("/v1/prompts/next", s.handlePromptNext)
	mux.HandleFunc("/v1/prompts/reply", s.handlePromptReply)
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVaultCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
		Label    string `json:"label"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	mnemonic, err := s.agent.CreateVault(req.Password, req.Label)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mnemonic": mnemonic})
}

func (s *Server) handleVaultImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mnemonic string `json:"mnemonic"`
		Password string `json:"password"`
		Label    string `json:"label"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.agent.ImportVault(req.Mnemonic, req.Password, req.Label); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.agent.State())
}

func (s *Server) handleVaultUnlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.agent.Unlock(req.Password); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.agent.State())
}

func (s *Server) handleVaultLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.agent.Lock()
	writeJSON(w, http.StatusOK, s.agent.State())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.agent.State())
}

// handleIdentities lists identities on GET and derives a new one on POST.
// Only public projections cross the bridge.
func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		idents := s.agent.ListIdentities()
		public := make([]models.Identity, 0, len(idents))
		for _, id := range idents {
			public = append(public, id.Public())
		}
		state := s.agent.State()
		writeJSON(w, http.StatusOK, map[string]any{
			"identities": public,
			"activeDid":  state.ActiveDID,
		})
	case http.MethodPost:
		var req struct {
			Label      string `json:"label"`
			PictureURL string `json:"pictureUrl,omitempty"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		ident, err := s.agent.CreateIdentity(req.Label, req.PictureURL)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ident.Public())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSetActiveIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DID string `json:"did"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.agent.SetActiveIdentity(r.Context(), req.DID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.agent.State())
}

func (s *Server) handleRevokeOrigin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Origin string `json:"origin"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.agent.RevokeOrigin(req.Origin); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var manifest models.AppManifest
	if !s.decode(w, r, &manifest) {
		return
	}
	detach, err := s.agent.Init(r.Context(), manifest, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	detach()
	writeJSON(w, http.StatusOK, s.agent.State())
}

func (s *Server) handleReadOnce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Collection string          `json:"collection"`
		Filter     json.RawMessage `json:"filter,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.agent.ReadOnce(r.Context(), req.Collection, rawFilter(req.Filter))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Collection string          `json:"collection"`
		Data       json.RawMessage `json:"data"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.agent.Write(r.Context(), req.Collection, rawFilter(req.Data))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleStream serves live collection updates as server-sent events. The
// subscription is torn down when the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	collection := r.URL.Query().Get("collection")
	if collection == "" {
		http.Error(w, "collection is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates := make(chan []json.RawMessage, 8)
	unsubscribe, err := s.agent.Read(r.Context(), collection, nil, func(docs []json.RawMessage) {
		select {
		case updates <- docs:
		default:
			s.logger.Warn("dropping stream update, slow consumer",
				slog.String("collection", collection))
		}
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case docs := <-updates:
			payload, err := json.Marshal(docs)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handlePromptNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), promptPollTimeout)
	defer cancel()

	item, ok := s.prompts.Next(ctx)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handlePromptReply(w http.ResponseWriter, r *http.Request) {
	var req promptReply
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.prompts.Reply(req); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, agent.ErrValidation), errors.Is(err, vault.ErrInvalidMnemonic),
		errors.Is(err, vault.ErrPasswordRequired), errors.Is(err, vault.ErrMnemonicRequired),
		errors.Is(err, vault.ErrInvalidLabel):
		status = http.StatusBadRequest
	case errors.Is(err, vault.ErrUnlockFailed), errors.Is(err, agent.ErrSessionLocked),
		errors.Is(err, vault.ErrLocked):
		status = http.StatusUnauthorized
	case errors.Is(err, mediator.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, vault.ErrVaultExists):
		status = http.StatusConflict
	case errors.Is(err, vault.ErrNoVault), errors.Is(err, identity.ErrIdentityNotFound):
		status = http.StatusNotFound
	case errors.Is(err, vault.ErrAttemptsLocked), errors.Is(err, mediator.ErrPromptFlood):
		status = http.StatusTooManyRequests
	case errors.Is(err, transport.ErrNetwork):
		status = http.StatusBadGateway
	case errors.Is(err, agent.ErrNotInitialized), errors.Is(err, ErrUnknownPrompt):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// rawFilter passes raw JSON through to the backend without re-typing it.
func rawFilter(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
