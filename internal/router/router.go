// Package router ingests normalized inbound messages, resolves the session
// key, agent, engine, model and tool policy, and submits jobs to the
// scheduler. It is the embedding program's public surface.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/lemongate/internal/audit"
	"github.com/basket/lemongate/internal/config"
	"github.com/basket/lemongate/internal/engine"
	"github.com/basket/lemongate/internal/policy"
	"github.com/basket/lemongate/internal/scheduler"
	"github.com/basket/lemongate/internal/session"
	"github.com/basket/lemongate/internal/shared"
	"github.com/basket/lemongate/internal/store"
)

// compactionInstruction is prepended to the first prompt after a
// context-overflow completion.
const compactionInstruction = "Before answering, compact the conversation context: summarize the prior discussion and discard details no longer needed.\n\n"

// Store buckets the router owns.
const (
	bucketSessionModel  = "session_model"
	bucketSessionPolicy = "session_policy"
)

// Peer identifies the remote end of an inbound message.
type Peer struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Sender identifies the message author when the channel knows it.
type Sender struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Message is the inbound message body.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	ReplyToID string    `json:"reply_to_id,omitempty"`
}

// InboundMessage is the channel-independent inbound schema.
type InboundMessage struct {
	ChannelID string            `json:"channel_id"`
	AccountID string            `json:"account_id"`
	Peer      Peer              `json:"peer"`
	Sender    *Sender           `json:"sender,omitempty"`
	Message   Message           `json:"message"`
	Raw       any               `json:"raw,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Result reports a successful submission.
type Result struct {
	RunID      string `json:"run_id"`
	SessionKey string `json:"session_key"`
}

// Router is the gateway's routing pipeline and public API facade.
type Router struct {
	cfg     *config.Live
	sched   *scheduler.Scheduler
	engines *engine.Registry
	store   *store.Store // nil degrades session-stored settings
	logger  *slog.Logger
	audit   *audit.Log // nil discards audit entries

	mu              sync.Mutex
	channelPolicies map[string]policy.Policy
	runtimePolicy   *policy.Policy
	agentPolicies   map[string]policy.Policy // cache keyed by policy file
}

// Options bundles the router's collaborators.
type Options struct {
	Config  *config.Live
	Sched   *scheduler.Scheduler
	Engines *engine.Registry
	Store   *store.Store
	Logger  *slog.Logger
	Audit   *audit.Log

	// ChannelPolicies are per-channel tool policy overrides.
	ChannelPolicies map[string]policy.Policy
}

// New creates a Router.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	channelPolicies := opts.ChannelPolicies
	if channelPolicies == nil {
		channelPolicies = make(map[string]policy.Policy)
	}
	return &Router{
		cfg:             opts.Config,
		sched:           opts.Sched,
		engines:         opts.Engines,
		store:           opts.Store,
		logger:          logger,
		audit:           opts.Audit,
		channelPolicies: channelPolicies,
		agentPolicies:   make(map[string]policy.Policy),
	}
}

// SetRuntimePolicy installs the highest-precedence policy layer.
func (r *Router) SetRuntimePolicy(p policy.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimePolicy = &p
}

// HandleInbound runs the routing pipeline for one channel message and
// submits the resulting job.
func (r *Router) HandleInbound(ctx context.Context, msg InboundMessage) (Result, error) {
	return r.route(ctx, msg, msg.ChannelID, "")
}

// HandleControl is the same pipeline for control-plane submissions; the
// default queue mode is followup.
func (r *Router) HandleControl(ctx context.Context, msg InboundMessage) (Result, error) {
	return r.route(ctx, msg, "control_plane", engine.ModeFollowup)
}

func (r *Router) route(ctx context.Context, msg InboundMessage, origin string, defaultMode engine.QueueMode) (Result, error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	cfg := r.cfg.Snapshot()

	// Session-key resolution.
	agentID := msg.Meta["agent_id"]
	if agentID == "" {
		agentID = "default"
	}
	sessionKey, err := r.resolveSessionKey(msg, agentID)
	if err != nil {
		return Result{}, err
	}
	keyStr := sessionKey.String()
	agentID = sessionKey.AgentID

	// Agent resolution; unknown agents fall back to the default profile.
	profile := cfg.Profile(agentID)

	meta := make(map[string]string, len(msg.Meta)+2)
	for k, v := range msg.Meta {
		meta[k] = v
	}

	// Resume extraction from the prompt.
	prompt, resume := extractResume(r.engines, msg.Message.Text)

	// Sticky-engine extraction.
	explicitEngine := meta["engine_id"]
	if explicitEngine == "" {
		explicitEngine = extractStickyEngine(r.engines, prompt)
	}

	// Model and engine selection.
	model := resolveModel(meta["model_explicit"], meta["model"],
		r.sessionValue(ctx, bucketSessionModel, keyStr), profile.DefaultModel, cfg.DefaultModel)
	resumeEngine := ""
	if resume != nil {
		resumeEngine = resume.EngineID
	}
	profileEngine := profile.DefaultEngine
	if profileEngine == "" {
		profileEngine = cfg.DefaultEngine
	}
	// The session's last engine sticks across submits so auto-resume can
	// re-attach the stored token. Disabled along with auto-resume.
	sessionEngine := ""
	if r.store != nil && cfg.AutoResume() {
		if cs, found, err := r.store.GetChatState(ctx, keyStr); err == nil && found {
			sessionEngine = cs.EngineID
		}
	}
	engineID, warning := resolveEngine(resumeEngine, explicitEngine, model, sessionEngine, profileEngine)
	if warning != "" {
		meta[engine.MetaSelectionWarning] = warning
		r.logger.Warn("engine selection conflict", "session_key", keyStr, "warning", warning)
	}
	if !r.engines.Known(engineID) {
		return Result{}, &scheduler.UnknownEngineError{EngineID: engineID}
	}

	// Policy resolution: agent, channel, session, runtime; multi-user peers
	// are hardened.
	toolPolicy := r.resolvePolicy(ctx, profile, msg.ChannelID, keyStr)
	if sessionKey.PeerKind.IsMultiUser() {
		toolPolicy = policy.HardenForMultiUser(toolPolicy)
	}

	// Pending-compaction consumption.
	if r.store != nil && meta[engine.MetaAutoCompacted] == "" {
		if _, ok, err := r.store.TakePendingCompaction(ctx, keyStr); err != nil {
			r.logger.Warn("pending compaction read failed", "session_key", keyStr, "error", err)
		} else if ok {
			prompt = compactionInstruction + prompt
			meta[engine.MetaAutoCompacted] = "1"
		}
	}

	queueMode := defaultMode
	if queueMode == "" {
		queueMode = engine.QueueMode(cfg.Queue.Mode)
	}
	if meta[engine.MetaSteer] != "" {
		queueMode = engine.ModeSteer
	}

	job := engine.Job{
		SessionKey: keyStr,
		AgentID:    agentID,
		Prompt:     prompt,
		Origin:     origin,
		EngineID:   engineID,
		Model:      model,
		Cwd:        profile.Cwd,
		Resume:     resume,
		ToolPolicy: &toolPolicy,
		QueueMode:  queueMode,
		Lane:       engine.LaneMain,
		Meta:       meta,
	}
	if msg.Message.ID != "" {
		job.Meta["inbound_msg_id"] = msg.Message.ID
	}

	runID, err := r.sched.Submit(ctx, job)
	if err != nil {
		return Result{}, err
	}
	r.audit.Record("submit", runID, keyStr, origin, string(queueMode))
	if r.store != nil {
		if err := r.store.TouchSession(ctx, keyStr, agentID, msg.ChannelID); err != nil {
			r.logger.Warn("session index write failed", "session_key", keyStr, "error", err)
		}
	}
	return Result{RunID: runID, SessionKey: keyStr}, nil
}

func (r *Router) resolveSessionKey(msg InboundMessage, agentID string) (session.Key, error) {
	if explicit := msg.Meta[engine.MetaExplicitSessionKey]; explicit != "" {
		key, err := session.Parse(explicit)
		if err == nil {
			return key, nil
		}
		r.logger.Warn("malformed explicit session key, falling back to peer key", "key", explicit, "error", err)
	}
	if !session.ValidPeerKind(msg.Peer.Kind) {
		return session.Key{}, fmt.Errorf("inbound message: unknown peer kind %q", msg.Peer.Kind)
	}
	key := session.PeerKey(agentID, msg.ChannelID, msg.AccountID, session.PeerKind(msg.Peer.Kind), msg.Peer.ID)
	if msg.Peer.ThreadID != "" {
		key = key.WithThread(msg.Peer.ThreadID)
	}
	return key, nil
}

// sessionValue reads a per-session setting, degrading to empty on store
// failure.
func (r *Router) sessionValue(ctx context.Context, bucket, key string) string {
	if r.store == nil {
		return ""
	}
	value, found, err := r.store.Get(ctx, bucket, key)
	if err != nil {
		r.logger.Warn("session setting read failed", "bucket", bucket, "error", err)
		return ""
	}
	if !found {
		return ""
	}
	return value
}

// resolvePolicy merges the policy chain agent -> channel -> session ->
// runtime.
func (r *Router) resolvePolicy(ctx context.Context, profile config.AgentProfile, channelID, sessionKey string) policy.Policy {
	agentPolicy := r.agentPolicy(profile)

	r.mu.Lock()
	channelPolicy := r.channelPolicies[channelID]
	var runtime policy.Policy
	if r.runtimePolicy != nil {
		runtime = *r.runtimePolicy
	}
	r.mu.Unlock()

	var sessionPolicy policy.Policy
	if raw := r.sessionValue(ctx, bucketSessionPolicy, sessionKey); raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &sessionPolicy); err != nil {
			r.logger.Warn("session policy parse failed", "session_key", sessionKey, "error", err)
			sessionPolicy = policy.Policy{}
		}
	}

	return policy.MergeAll(agentPolicy, channelPolicy, sessionPolicy, runtime)
}

// agentPolicy loads and caches the profile's policy file.
func (r *Router) agentPolicy(profile config.AgentProfile) policy.Policy {
	if profile.PolicyFile == "" {
		return policy.Policy{}
	}
	r.mu.Lock()
	cached, ok := r.agentPolicies[profile.PolicyFile]
	r.mu.Unlock()
	if ok {
		return cached
	}
	loaded, err := policy.Load(profile.PolicyFile)
	if err != nil {
		r.logger.Warn("agent policy load failed", "file", profile.PolicyFile, "error", err)
		loaded = policy.Policy{}
	}
	r.mu.Lock()
	r.agentPolicies[profile.PolicyFile] = loaded
	r.mu.Unlock()
	return loaded
}

// Submit is the direct job-submission API for embedders.
func (r *Router) Submit(ctx context.Context, job engine.Job) (string, error) {
	return r.sched.Submit(ctx, job)
}

// CancelByRunID cancels a run. Unknown and terminated runs are a no-op.
func (r *Router) CancelByRunID(runID, reason string) {
	r.audit.Record("cancel", runID, "", "", reason)
	r.sched.CancelByRunID(runID, reason)
}

// CancelBySession cancels the run currently registered for a session.
func (r *Router) CancelBySession(sessionKey, reason string) {
	r.audit.Record("abort", "", sessionKey, "", reason)
	r.sched.CancelBySession(sessionKey, reason)
}

// Abort is an alias for CancelBySession.
func (r *Router) Abort(sessionKey, reason string) {
	r.CancelBySession(sessionKey, reason)
}

// KeepWaiting confirms an idle-watchdog prompt.
func (r *Router) KeepWaiting(runID string) {
	r.sched.KeepWaiting(runID)
}

// Counts reports admission metrics.
func (r *Router) Counts() scheduler.Counts {
	return r.sched.CountsSnapshot()
}
