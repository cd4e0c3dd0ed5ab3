package engine

import "github.com/basket/lemongate/internal/policy"

// QueueMode controls how a new job interacts with active and queued jobs for
// the same session.
type QueueMode string

const (
	ModeCollect      QueueMode = "collect"
	ModeFollowup     QueueMode = "followup"
	ModeSteer        QueueMode = "steer"
	ModeSteerBacklog QueueMode = "steer_backlog"
	ModeInterrupt    QueueMode = "interrupt"
)

// ValidQueueMode reports whether m is one of the closed set of queue modes.
func ValidQueueMode(m QueueMode) bool {
	switch m {
	case ModeCollect, ModeFollowup, ModeSteer, ModeSteerBacklog, ModeInterrupt:
		return true
	}
	return false
}

// Lane separates job classes that share a session.
type Lane string

const (
	LaneMain           Lane = "main"
	LaneSubagent       Lane = "subagent"
	LaneBackgroundExec Lane = "background_exec"
)

// Meta keys recognized by the core. Channel adapters may carry additional
// keys opaque to the scheduler.
const (
	MetaProgressMsgID      = "progress_msg_id"
	MetaDisableAutoResume  = "disable_auto_resume"
	MetaTaskAutoFollowup   = "task_auto_followup"
	MetaAutoCompacted      = "auto_compacted"
	MetaSelectionWarning   = "warning"
	MetaExplicitSessionKey = "explicit_session_key"
	MetaSteer              = "steer"
)

// Job is a request to run one prompt against an engine session.
type Job struct {
	RunID      string
	SessionKey string
	AgentID    string
	Prompt     string
	Origin     string // channel tag, e.g. "telegram" or "control_plane"

	EngineID   string
	Model      string
	Cwd        string
	Resume     *ResumeToken
	ToolPolicy *policy.Policy

	QueueMode QueueMode
	Lane      Lane

	Meta map[string]string

	// Notify, when non-nil, receives the terminal completion exactly once.
	// Sends are non-blocking; give the channel capacity.
	Notify chan<- Completed
}

// MetaFlag reports whether a meta key is set to a truthy value.
func (j Job) MetaFlag(key string) bool {
	switch j.Meta[key] {
	case "1", "true", "yes":
		return true
	}
	return false
}

// WithMeta returns a copy of j with key set, allocating the map if needed.
func (j Job) WithMeta(key, value string) Job {
	meta := make(map[string]string, len(j.Meta)+1)
	for k, v := range j.Meta {
		meta[k] = v
	}
	meta[key] = value
	j.Meta = meta
	return j
}
