// Package event defines the domain events fanned out by the gateway and the
// scopes used to route them to sessions.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of domain event, carried verbatim in the t field
// of dispatch frames.
type Type string

// Event types dispatched to clients.
const (
	TypeReady          Type = "READY"
	TypeResumed        Type = "RESUMED"
	TypeMessageCreate  Type = "MESSAGE_CREATE"
	TypeMessageUpdate  Type = "MESSAGE_UPDATE"
	TypeMessageDelete  Type = "MESSAGE_DELETE"
	TypeTypingStart    Type = "TYPING_START"
	TypeChannelCreate  Type = "CHANNEL_CREATE"
	TypeChannelUpdate  Type = "CHANNEL_UPDATE"
	TypeChannelDelete  Type = "CHANNEL_DELETE"
	TypeGuildCreate    Type = "GUILD_CREATE"
	TypeGuildUpdate    Type = "GUILD_UPDATE"
	TypeGuildDelete    Type = "GUILD_DELETE"
	TypeGuildMemberAdd Type = "GUILD_MEMBER_ADD"
	TypeGuildMemberRem Type = "GUILD_MEMBER_REMOVE"
	TypePresenceUpdate Type = "PRESENCE_UPDATE"
	TypeUserUpdate     Type = "USER_UPDATE"
)

// ScopeKind names the routing scope of an event
type ScopeKind string

// Routing scope kinds.
const (
	ScopeGuild     ScopeKind = "guild"
	ScopeChannel   ScopeKind = "channel"
	ScopeUser      ScopeKind = "user"
	ScopeBroadcast ScopeKind = "broadcast"
)

// Scope addresses the audience of an event. Broadcast scopes have an empty ID.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

// GuildScope returns a scope targeting all sessions in a guild
func GuildScope(guildID string) Scope {
	return Scope{Kind: ScopeGuild, ID: guildID}
}

// ChannelScope returns a scope targeting all sessions subscribed to a channel
func ChannelScope(channelID string) Scope {
	return Scope{Kind: ScopeChannel, ID: channelID}
}

// UserScope returns a scope targeting the sessions of a single user
func UserScope(userID string) Scope {
	return Scope{Kind: ScopeUser, ID: userID}
}

// BroadcastScope returns a scope targeting every active session
func BroadcastScope() Scope {
	return Scope{Kind: ScopeBroadcast}
}

// DomainEvent is a platform event before per-session sequencing. The same
// event fans out to many sessions, each stamping its own sequence number.
type DomainEvent struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Scope     Scope           `json:"scope"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// New creates a DomainEvent with a fresh ID and the current timestamp
func New(eventType Type, scope Scope, payload json.RawMessage) DomainEvent {
	return DomainEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Scope:     scope,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
