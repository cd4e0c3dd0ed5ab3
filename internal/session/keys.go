package session

import (
	"fmt"
	"strings"
)

// PeerKind classifies the remote end of a conversation.
type PeerKind string

const (
	PeerDM         PeerKind = "dm"
	PeerGroup      PeerKind = "group"
	PeerSupergroup PeerKind = "supergroup"
	PeerChannel    PeerKind = "channel"
)

// ValidPeerKind reports whether s is one of the closed set of peer kinds.
func ValidPeerKind(s string) bool {
	switch PeerKind(s) {
	case PeerDM, PeerGroup, PeerSupergroup, PeerChannel:
		return true
	}
	return false
}

// IsMultiUser reports whether the peer kind is a shared surface where
// stricter tool policy applies.
func (k PeerKind) IsMultiUser() bool {
	return k == PeerGroup || k == PeerSupergroup || k == PeerChannel
}

// Key identifies one logical conversation. The scheduler treats keys as
// opaque; only equality and thread-key derivation matter. Canonical forms:
//
//	agent:<agent_id>:main
//	agent:<agent_id>:<channel_id>:<account_id>:<peer_kind>:<peer_id>[:thread:<thread_id>][:sub:<sub_id>]
type Key struct {
	AgentID   string
	ChannelID string
	AccountID string
	PeerKind  PeerKind
	PeerID    string
	ThreadID  string
	SubID     string
	Main      bool
}

// MainKey returns the main-session key for an agent.
func MainKey(agentID string) Key {
	return Key{AgentID: agentID, Main: true}
}

// PeerKey returns the channel-peer key for a conversation.
func PeerKey(agentID, channelID, accountID string, kind PeerKind, peerID string) Key {
	return Key{
		AgentID:   agentID,
		ChannelID: channelID,
		AccountID: accountID,
		PeerKind:  kind,
		PeerID:    peerID,
	}
}

// WithThread returns a copy of k scoped to a thread within the peer.
func (k Key) WithThread(threadID string) Key {
	k.ThreadID = threadID
	return k
}

// WithSub returns a copy of k scoped to a sub-conversation.
func (k Key) WithSub(subID string) Key {
	k.SubID = subID
	return k
}

// String renders the canonical form.
func (k Key) String() string {
	if k.Main {
		return fmt.Sprintf("agent:%s:main", k.AgentID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "agent:%s:%s:%s:%s:%s", k.AgentID, k.ChannelID, k.AccountID, k.PeerKind, k.PeerID)
	if k.ThreadID != "" {
		fmt.Fprintf(&b, ":thread:%s", k.ThreadID)
	}
	if k.SubID != "" {
		fmt.Fprintf(&b, ":sub:%s", k.SubID)
	}
	return b.String()
}

// Parse decodes a canonical session key string. It returns an error for
// strings outside the grammar so callers can reject malformed explicit keys.
func Parse(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || parts[0] != "agent" || parts[1] == "" {
		return Key{}, fmt.Errorf("malformed session key %q", s)
	}
	if len(parts) == 3 && parts[2] == "main" {
		return MainKey(parts[1]), nil
	}
	if len(parts) < 6 {
		return Key{}, fmt.Errorf("malformed session key %q", s)
	}
	if !ValidPeerKind(parts[4]) {
		return Key{}, fmt.Errorf("session key %q: unknown peer kind %q", s, parts[4])
	}
	k := Key{
		AgentID:   parts[1],
		ChannelID: parts[2],
		AccountID: parts[3],
		PeerKind:  PeerKind(parts[4]),
		PeerID:    parts[5],
	}
	rest := parts[6:]
	for len(rest) >= 2 {
		switch rest[0] {
		case "thread":
			k.ThreadID = rest[1]
		case "sub":
			k.SubID = rest[1]
		default:
			return Key{}, fmt.Errorf("session key %q: unknown segment %q", s, rest[0])
		}
		rest = rest[2:]
	}
	if len(rest) != 0 {
		return Key{}, fmt.Errorf("malformed session key %q", s)
	}
	return k, nil
}

// Valid reports whether s parses under the session key grammar.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}
