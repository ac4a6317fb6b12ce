// Package server exposes the HTTP API the web client talks to:
// workspace provisioning, chat turns, conversation history, and
// deployment status.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"anvil.dev/deploystate"
	"anvil.dev/loop"
	"anvil.dev/repostate"
	"anvil.dev/workshop"
)

// Options carries the router's tunables.
type Options struct {
	JWTSecret string
	// ChatLimit and PollLimit are requests per identity per RateWindow.
	ChatLimit  int
	PollLimit  int
	RateWindow time.Duration
}

// Router wires HTTP endpoints to the orchestration core.
type Router struct {
	mux         *http.ServeMux
	provisioner *workshop.Provisioner
	agent       *loop.Agent
	reconciler  *deploystate.Reconciler
	store       *repostate.Store
	limiter     RateLimiter
	metrics     *metrics
	registry    *prometheus.Registry

	jwtSecret  []byte
	chatLimit  int
	pollLimit  int
	rateWindow time.Duration

	// activeTurns counts in-flight chat turns per repo, which the
	// deployment status endpoint uses to tell "deploy queued, registry
	// hasn't seen it yet" apart from "nothing deploying".
	mu          sync.Mutex
	activeTurns map[string]int
}

// NewRouter assembles routes with dependencies. A nil limiter gets the
// in-memory one.
func NewRouter(provisioner *workshop.Provisioner, agent *loop.Agent, reconciler *deploystate.Reconciler, store *repostate.Store, limiter RateLimiter, opts Options) *Router {
	if limiter == nil {
		limiter = NewMemoryRateLimiter()
	}
	registry := prometheus.NewRegistry()
	r := &Router{
		mux:         http.NewServeMux(),
		provisioner: provisioner,
		agent:       agent,
		reconciler:  reconciler,
		store:       store,
		limiter:     limiter,
		metrics:     newMetrics(registry),
		registry:    registry,
		jwtSecret:   []byte(opts.JWTSecret),
		chatLimit:   opts.ChatLimit,
		pollLimit:   opts.PollLimit,
		rateWindow:  opts.RateWindow,
		activeTurns: map[string]int{},
	}
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	r.limiter.Close()
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.instrument("healthz", r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	r.handle("POST /api/repos", "create_repo", r.chatLimit, r.handleCreateRepo)
	r.handle("GET /api/repos", "list_repos", r.pollLimit, r.handleListRepos)
	r.handle("POST /api/chat", "chat", r.chatLimit, r.handleChat)
	r.handle("POST /api/repos/{repoID}/conversations", "create_conversation", r.chatLimit, r.handleCreateConversation)
	r.handle("GET /api/repos/{repoID}/conversations", "list_conversations", r.pollLimit, r.handleListConversations)
	r.handle("GET /api/repos/{repoID}/conversations/{conversationID}", "get_conversation", r.pollLimit, r.handleGetConversation)
	r.handle("GET /api/repos/{repoID}/deployments/status", "deployment_status", r.pollLimit, r.handleDeploymentStatus)
	r.handle("GET /api/repos/{repoID}/deployments/timeline", "deployment_timeline", r.pollLimit, r.handleDeploymentTimeline)
	r.handle("POST /api/repos/{repoID}/domains", "set_domain", r.chatLimit, r.handleSetDomain)
	r.handle("POST /api/repos/{repoID}/promote", "promote", r.chatLimit, r.handlePromote)
}

func (r *Router) handle(pattern, route string, limit int, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.instrument(route, r.requireAuth(r.withRateLimit(route, limit, h))))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleCreateRepo(w http.ResponseWriter, req *http.Request) {
	identityID, _ := identityFromContext(req.Context())
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	ws, err := r.provisioner.Provision(req.Context(), identityID, payload.Name)
	if err != nil {
		slog.ErrorContext(req.Context(), "provisioning failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not create workspace")
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (r *Router) handleListRepos(w http.ResponseWriter, req *http.Request) {
	identityID, _ := identityFromContext(req.Context())
	repos, err := r.agent.Identity.ListGitRepos(req.Context(), identityID)
	if err != nil {
		slog.ErrorContext(req.Context(), "list repo grants failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not list repositories")
		return
	}
	if repos == nil {
		repos = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": repos})
}

func (r *Router) handleChat(w http.ResponseWriter, req *http.Request) {
	identityID, _ := identityFromContext(req.Context())
	var payload struct {
		RepoID         string              `json:"repoId"`
		ConversationID string              `json:"conversationId"`
		Messages       []repostate.Message `json:"messages"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.RepoID == "" || payload.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "repoId and conversationId are required")
		return
	}
	if len(payload.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	done := r.markAgentRunning(payload.RepoID)
	defer done()

	result, err := r.agent.Run(req.Context(), loop.TurnRequest{
		IdentityID:     identityID,
		RepoID:         payload.RepoID,
		ConversationID: payload.ConversationID,
		Messages:       payload.Messages,
	})
	switch {
	case errors.Is(err, loop.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "no access to this repository")
		return
	case errors.Is(err, loop.ErrRepoNotInitialized):
		writeError(w, http.StatusNotFound, "repository is not initialized")
		return
	case err != nil:
		slog.ErrorContext(req.Context(), "chat turn failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "chat turn failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": result.Messages})
}

func (r *Router) handleCreateConversation(w http.ResponseWriter, req *http.Request) {
	repoID := req.PathValue("repoID")
	md, ok := r.authorizedMetadata(w, req, repoID)
	if !ok {
		return
	}

	conversationID := newConversationID()
	summary, err := r.store.CreateConversation(req.Context(), repoID, md, conversationID)
	if err != nil {
		slog.ErrorContext(req.Context(), "create conversation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversation": summary})
}

func (r *Router) handleListConversations(w http.ResponseWriter, req *http.Request) {
	repoID := req.PathValue("repoID")
	md, ok := r.authorizedMetadata(w, req, repoID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": md.Conversations})
}

func (r *Router) handleGetConversation(w http.ResponseWriter, req *http.Request) {
	repoID := req.PathValue("repoID")
	if _, ok := r.authorizedMetadata(w, req, repoID); !ok {
		return
	}

	messages, err := r.store.ReadConversationMessages(req.Context(), repoID, req.PathValue("conversationID"))
	if err != nil {
		slog.ErrorContext(req.Context(), "read conversation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not read conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (r *Router) handleDeploymentStatus(w http.ResponseWriter, req *http.Request) {
	repoID := req.PathValue("repoID")
	if !r.authorizeRepo(w, req, repoID) {
		return
	}

	status, err := r.reconciler.StatusForLatestCommit(req.Context(), repoID, r.isAgentRunning(repoID))
	if err != nil {
		slog.ErrorContext(req.Context(), "deployment status failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not resolve deployment status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleDeploymentTimeline(w http.ResponseWriter, req *http.Request) {
	repoID := req.PathValue("repoID")
	if !r.authorizeRepo(w, req, repoID) {
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))

	entries, err := r.reconciler.Timeline(req.Context(), repoID, limit)
	if err != nil {
		slog.ErrorContext(req.Context(), "deployment timeline failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not resolve deployment timeline")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": entries})
}

var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

func (r *Router) handleSetDomain(w http.ResponseWriter, req *http.Request) {
	repoID := req.PathValue("repoID")
	var payload struct {
		Domain string `json:"domain"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !domainPattern.MatchString(payload.Domain) {
		writeError(w, http.StatusBadRequest, "invalid domain format")
		return
	}

	md, ok := r.authorizedMetadata(w, req, repoID)
	if !ok {
		return
	}
	if err := r.store.SetProductionDomain(req.Context(), repoID, md, payload.Domain); err != nil {
		slog.ErrorContext(req.Context(), "set production domain failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not set production domain")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"productionDomain": payload.Domain})
}

func (r *Router) handlePromote(w http.ResponseWriter, req *http.Request) {
	repoID := req.PathValue("repoID")
	var payload struct {
		DeploymentID string `json:"deploymentId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.DeploymentID == "" {
		writeError(w, http.StatusBadRequest, "deploymentId is required")
		return
	}

	md, ok := r.authorizedMetadata(w, req, repoID)
	if !ok {
		return
	}
	if err := r.store.PromoteDeployment(req.Context(), repoID, md, payload.DeploymentID); err != nil {
		slog.ErrorContext(req.Context(), "promote deployment failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not promote deployment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"productionDeploymentId": payload.DeploymentID})
}

// authorizeRepo checks the caller's grant on repoID, writing the error
// response itself when access is denied.
func (r *Router) authorizeRepo(w http.ResponseWriter, req *http.Request, repoID string) bool {
	if repoID == "" {
		writeError(w, http.StatusBadRequest, "repo id is required")
		return false
	}
	identityID, _ := identityFromContext(req.Context())
	repos, err := r.agent.Identity.ListGitRepos(req.Context(), identityID)
	if err != nil {
		slog.ErrorContext(req.Context(), "list repo grants failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not check repository access")
		return false
	}
	for _, id := range repos {
		if id == repoID {
			return true
		}
	}
	writeError(w, http.StatusForbidden, "no access to this repository")
	return false
}

// authorizedMetadata authorizes and loads the repo's metadata, writing
// 403/404 responses itself.
func (r *Router) authorizedMetadata(w http.ResponseWriter, req *http.Request, repoID string) (*repostate.RepoMetadata, bool) {
	if !r.authorizeRepo(w, req, repoID) {
		return nil, false
	}
	md, err := r.store.ReadMetadata(req.Context(), repoID)
	if err != nil {
		slog.ErrorContext(req.Context(), "read metadata failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not read repository metadata")
		return nil, false
	}
	if md == nil {
		writeError(w, http.StatusNotFound, "repository is not initialized")
		return nil, false
	}
	return md, true
}

func newConversationID() string {
	return uuid.NewString()
}

func (r *Router) markAgentRunning(repoID string) func() {
	r.mu.Lock()
	r.activeTurns[repoID]++
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.activeTurns[repoID]--
		if r.activeTurns[repoID] <= 0 {
			delete(r.activeTurns, repoID)
		}
		r.mu.Unlock()
	}
}

func (r *Router) isAgentRunning(repoID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeTurns[repoID] > 0
}
