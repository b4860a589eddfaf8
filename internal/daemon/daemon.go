// Package daemon is the assistant module: it builds the reply pipeline from
// the "assistant" config block, serves it over HTTP and, when configured,
// answers Matrix rooms.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nous-labs/attune/internal/behavior"
	"github.com/nous-labs/attune/internal/channel/matrix"
	"github.com/nous-labs/attune/internal/emotion"
	"github.com/nous-labs/attune/internal/intent"
	"github.com/nous-labs/attune/internal/llm"
	"github.com/nous-labs/attune/internal/persona"
	"github.com/nous-labs/attune/internal/pipeline"
	"github.com/nous-labs/attune/internal/prompt"
	"github.com/nous-labs/attune/pkg/channel"
	coredaemon "github.com/nous-labs/attune/pkg/daemon"
	"github.com/nous-labs/attune/pkg/dream"
	"github.com/nous-labs/attune/pkg/memory"
)

// ModuleName is the key of this module's block under modules in the host config.
const ModuleName = "assistant"

// maxChatBody bounds a /v1/chat request body.
const maxChatBody = 64 << 10

// Assistant wires every pipeline component and owns their lifetimes.
type Assistant struct {
	cfg  Config
	host *coredaemon.Daemon

	router     *llm.Router
	generator  pipeline.Generator // overrides router for text generation when set
	backends   *backends
	coord      *memory.Coordinator
	tracker    *behavior.Tracker
	emotionLog *emotion.Log
	shaper     *persona.Shaper
	inbox      *Inbox
	pipeline   *pipeline.Pipeline
	matrix     *matrix.Channel
}

// New creates the module. Everything is built in Init.
func New() *Assistant { return &Assistant{} }

// WithGenerator replaces the provider router as the reply generator. The
// router still serves embeddings and intent escalation.
func (a *Assistant) WithGenerator(g pipeline.Generator) *Assistant {
	a.generator = g
	return a
}

func (a *Assistant) Name() string { return ModuleName }

// Init reads the module config and connects every backend. Unreachable
// stores fall back to in-process adapters; only a broken config fails.
func (a *Assistant) Init(d *coredaemon.Daemon) error {
	a.host = d
	a.cfg = DefaultConfig()
	if err := d.ModuleConfig(ModuleName, &a.cfg); err != nil {
		return err
	}
	a.cfg.resolve()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	providers := buildProviders(ctx, a.cfg.LLM.Providers)
	embedders := buildEmbedders(ctx, a.cfg.LLM.Embedders)
	if len(providers) == 0 && a.generator == nil {
		slog.Warn("no LLM providers configured, every reply will be the apology")
	}
	a.router = llm.NewRouter(providers, embedders, a.cfg.LLM.routerConfig(), d.Metrics)

	a.backends = buildBackends(ctx, a.cfg, d.Brain, a.router)
	a.coord = memory.NewCoordinator(a.backends.stores, a.cfg.Memory.coordinatorConfig(), a.backends.handoff, d.Metrics)
	a.tracker = behavior.New(behavior.NewKVStore(d.Brain), a.cfg.Behavior.trackerConfig(), d.Metrics)
	a.emotionLog = emotion.NewLog(emotion.DefaultLogSize)
	a.shaper = persona.New(a.cfg.Persona, persona.DefaultTemplates(), a.emotionLog, d.Metrics)
	a.inbox = NewInbox(d.Brain, a.cfg.Tasks.MaxPerUser, coredaemon.ParseDuration(a.cfg.Tasks.TTL, 0))

	var gen pipeline.Generator = a.router
	if a.generator != nil {
		gen = a.generator
	}
	p, err := pipeline.New(pipeline.Deps{
		Detector:   emotion.NewDetector(a.cfg.Emotion),
		Classifier: intent.New(a.router, a.cfg.Intent.classifierConfig(), d.Metrics),
		Memory:     a.coord,
		Composer:   prompt.New(a.cfg.Preamble, a.cfg.Prompt),
		Generator:  gen,
		Shaper:     a.shaper,
		Behavior:   a.tracker,
		Sink:       a.inbox,
		Bus:        d.Bus,
		Metrics:    d.Metrics,
	}, a.cfg.Pipeline.pipelineConfig())
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	a.pipeline = p

	if a.cfg.Matrix.Enabled() {
		a.matrix = matrix.New(a.cfg.Matrix)
	}
	slog.Info("assistant ready",
		"providers", len(providers),
		"embedders", len(embedders),
		"hedge", a.cfg.LLM.Hedge,
		"matrix", a.matrix != nil,
		"handoff", a.backends.handoff != nil,
	)
	return nil
}

// Handle runs one turn through the pipeline.
func (a *Assistant) Handle(ctx context.Context, t pipeline.Turn) (pipeline.Reply, error) {
	return a.pipeline.Handle(ctx, t)
}

func (a *Assistant) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat", a.handleChat)
	mux.HandleFunc("/v1/profile", a.handleProfile)
	mux.HandleFunc("/v1/providers", a.handleProviders)
	mux.HandleFunc("/v1/tasks", a.handleTasks)
}

// Start runs the Matrix channel, if configured, until ctx is cancelled.
func (a *Assistant) Start(ctx context.Context) error {
	if a.matrix == nil {
		return nil
	}
	slog.Info("starting matrix channel")
	if err := a.matrix.Start(ctx, a.onMessage); err != nil {
		return fmt.Errorf("matrix channel: %w", err)
	}
	return nil
}

func (a *Assistant) Stop() error {
	var errs []error
	if a.matrix != nil {
		errs = append(errs, a.matrix.Stop())
	}
	if a.backends != nil {
		errs = append(errs, a.backends.close())
	}
	return errors.Join(errs...)
}

// Sweepers implements coredaemon.Maintainer.
func (a *Assistant) Sweepers() []dream.Sweeper {
	idle := coredaemon.ParseDuration(a.cfg.Pipeline.IdleAfter, 24*time.Hour)
	out := []dream.Sweeper{
		dream.Counter("provider_cooldowns", a.router.PruneCooldowns),
		dream.Counter("emotion_logs", func() int { return a.emotionLog.Prune(idle) }),
		dream.Counter("persona_rotations", func() int { return a.shaper.PruneRotations(idle) }),
	}
	if a.backends.history != nil {
		out = append(out, dream.Func("history", a.backends.history.Sweep))
	}
	if store := a.backends.semantic; store != nil {
		if maxAge := a.cfg.Memory.semanticMaxAge(); maxAge > 0 {
			out = append(out, dream.Func("semantic", func(ctx context.Context) (int, error) {
				return store.Prune(ctx, maxAge)
			}))
		}
	}
	return out
}

// onMessage answers one Matrix message.
func (a *Assistant) onMessage(ctx context.Context, msg channel.Message) error {
	_ = a.matrix.Typing(ctx, msg.RoomID, true)
	reply, err := a.pipeline.Handle(ctx, pipeline.Turn{
		UserID:    msg.UserID(),
		SessionID: msg.SessionID(),
		Text:      msg.Content,
		At:        time.UnixMilli(msg.Timestamp),
	})
	_ = a.matrix.Typing(ctx, msg.RoomID, false)
	if errors.Is(err, pipeline.ErrInvalidInput) {
		return nil
	}
	if err != nil {
		return err
	}
	return a.matrix.Send(ctx, channel.Response{RoomID: msg.RoomID, Content: reply.Text})
}

type chatRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

func (a *Assistant) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		coredaemon.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		coredaemon.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	reply, err := a.pipeline.Handle(r.Context(), pipeline.Turn{UserID: req.UserID, SessionID: req.SessionID, Text: req.Text})
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput):
		coredaemon.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case err != nil:
		// The caller went away; there is no one to answer.
		slog.Info("chat turn abandoned", "user", req.UserID, "error", err)
	default:
		coredaemon.WriteJSON(w, http.StatusOK, reply)
	}
}

func (a *Assistant) handleProfile(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		coredaemon.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "missing required parameter: user_id"})
		return
	}
	profile, err := a.backends.stores.Profiles.GetProfile(r.Context(), userID)
	if err != nil {
		slog.Warn("profile read failed", "user", userID, "reason", "store_unavailable", "error", err)
		coredaemon.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "profile store unavailable"})
		return
	}
	coredaemon.WriteJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"profile":  profile,
		"behavior": a.tracker.Profile(r.Context(), userID),
		"emotions": a.emotionLog.Recent(userID),
	})
}

func (a *Assistant) handleProviders(w http.ResponseWriter, _ *http.Request) {
	coredaemon.WriteJSON(w, http.StatusOK, map[string]any{"providers": a.router.State()})
}

// handleTasks lists a user's queued intents; drain=1 also clears them.
func (a *Assistant) handleTasks(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		coredaemon.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "missing required parameter: user_id"})
		return
	}
	drain := r.URL.Query().Get("drain") == "1"
	tasks, err := a.inbox.List(r.Context(), userID, drain)
	if err != nil {
		slog.Warn("task list failed", "user", userID, "reason", "store_unavailable", "error", err)
		coredaemon.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "task store unavailable"})
		return
	}
	if tasks == nil {
		tasks = []Task{}
	}
	coredaemon.WriteJSON(w, http.StatusOK, map[string]any{"user_id": userID, "tasks": tasks})
}
