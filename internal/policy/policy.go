// Package policy defines the tool policy attached to jobs and its merge
// rules. Policies arrive from several sources (agent profile, channel,
// session, runtime) and are merged in that order; later sources overwrite
// earlier ones at leaf level.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Approval is the approval level required before a tool runs.
type Approval string

const (
	ApprovalAlways    Approval = "always"
	ApprovalDangerous Approval = "dangerous"
	ApprovalNever     Approval = "never"
)

// ValidApproval reports whether a is one of the closed approval levels.
func ValidApproval(a Approval) bool {
	switch a {
	case ApprovalAlways, ApprovalDangerous, ApprovalNever:
		return true
	}
	return false
}

// RestrictedTools are forced to require approval on multi-user peers
// (group, supergroup, channel).
var RestrictedTools = []string{"bash", "write", "process"}

// Policy is the serializable tool policy.
type Policy struct {
	// Approvals maps tool name to the approval level required.
	Approvals map[string]Approval `yaml:"approvals,omitempty"`

	// BlockedTools are never run regardless of approvals.
	BlockedTools []string `yaml:"blocked_tools,omitempty"`

	// AllowedCommands whitelists shell commands. Empty means all commands
	// not explicitly blocked are allowed.
	AllowedCommands []string `yaml:"allowed_commands,omitempty"`

	// BlockedCommands blacklists shell commands; it wins over AllowedCommands.
	BlockedCommands []string `yaml:"blocked_commands,omitempty"`

	// MaxFileSize bounds tool file writes in bytes. Zero means unlimited.
	MaxFileSize int64 `yaml:"max_file_size,omitempty"`

	// Sandbox, when set, forces sandboxed tool execution. A nil pointer
	// distinguishes "unset" from an explicit false.
	Sandbox *bool `yaml:"sandbox,omitempty"`
}

// Load reads a policy file. A missing or empty file yields the zero policy.
func Load(path string) (Policy, error) {
	if path == "" {
		return Policy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Policy{}, nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Policy{}, nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	for tool, a := range p.Approvals {
		if !ValidApproval(a) {
			return fmt.Errorf("tool %q: unknown approval level %q", tool, a)
		}
	}
	return nil
}

// Merge combines p with override. Override wins at leaf level: per-tool
// approvals are merged key by key; each list and scalar is replaced as a
// whole when the override sets it.
func Merge(p, override Policy) Policy {
	out := p.clone()
	if len(override.Approvals) > 0 {
		if out.Approvals == nil {
			out.Approvals = make(map[string]Approval, len(override.Approvals))
		}
		for tool, a := range override.Approvals {
			out.Approvals[tool] = a
		}
	}
	if override.BlockedTools != nil {
		out.BlockedTools = append([]string(nil), override.BlockedTools...)
	}
	if override.AllowedCommands != nil {
		out.AllowedCommands = append([]string(nil), override.AllowedCommands...)
	}
	if override.BlockedCommands != nil {
		out.BlockedCommands = append([]string(nil), override.BlockedCommands...)
	}
	if override.MaxFileSize != 0 {
		out.MaxFileSize = override.MaxFileSize
	}
	if override.Sandbox != nil {
		v := *override.Sandbox
		out.Sandbox = &v
	}
	return out
}

// MergeAll folds a precedence chain, first to last.
func MergeAll(chain ...Policy) Policy {
	var out Policy
	for _, p := range chain {
		out = Merge(out, p)
	}
	return out
}

// HardenForMultiUser forces restricted tools to require approval. Applied by
// the router for group, supergroup and channel peers.
func HardenForMultiUser(p Policy) Policy {
	out := p.clone()
	if out.Approvals == nil {
		out.Approvals = make(map[string]Approval, len(RestrictedTools))
	}
	for _, tool := range RestrictedTools {
		out.Approvals[tool] = ApprovalAlways
	}
	return out
}

// ApprovalRequired reports whether tool needs user approval before running.
func ApprovalRequired(p Policy, tool string) bool {
	switch p.Approvals[normalize(tool)] {
	case ApprovalAlways, ApprovalDangerous:
		return true
	}
	return false
}

// ToolBlocked reports whether tool is blocked outright.
func ToolBlocked(p Policy, tool string) bool {
	return containsNormalized(p.BlockedTools, tool)
}

// CommandAllowed reports whether a shell command may run. BlockedCommands
// wins; an empty AllowedCommands list allows everything else.
func CommandAllowed(p Policy, cmd string) bool {
	if containsNormalized(p.BlockedCommands, cmd) {
		return false
	}
	if len(p.AllowedCommands) == 0 {
		return true
	}
	return containsNormalized(p.AllowedCommands, cmd)
}

// Version returns a stable hash identifying the policy contents.
func (p Policy) Version() string {
	h := fnv.New64a()
	tools := make([]string, 0, len(p.Approvals))
	for tool := range p.Approvals {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		fmt.Fprintf(h, "a:%s=%s|", tool, p.Approvals[tool])
	}
	for _, v := range p.BlockedTools {
		fmt.Fprintf(h, "bt:%s|", normalize(v))
	}
	for _, v := range p.AllowedCommands {
		fmt.Fprintf(h, "ac:%s|", normalize(v))
	}
	for _, v := range p.BlockedCommands {
		fmt.Fprintf(h, "bc:%s|", normalize(v))
	}
	fmt.Fprintf(h, "max:%d|", p.MaxFileSize)
	if p.Sandbox != nil {
		fmt.Fprintf(h, "sandbox:%v|", *p.Sandbox)
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (p Policy) clone() Policy {
	out := Policy{MaxFileSize: p.MaxFileSize}
	if p.Approvals != nil {
		out.Approvals = make(map[string]Approval, len(p.Approvals))
		for k, v := range p.Approvals {
			out.Approvals[k] = v
		}
	}
	if p.BlockedTools != nil {
		out.BlockedTools = append([]string(nil), p.BlockedTools...)
	}
	if p.AllowedCommands != nil {
		out.AllowedCommands = append([]string(nil), p.AllowedCommands...)
	}
	if p.BlockedCommands != nil {
		out.BlockedCommands = append([]string(nil), p.BlockedCommands...)
	}
	if p.Sandbox != nil {
		v := *p.Sandbox
		out.Sandbox = &v
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func containsNormalized(slice []string, val string) bool {
	val = normalize(val)
	for _, s := range slice {
		if normalize(s) == val {
			return true
		}
	}
	return false
}
