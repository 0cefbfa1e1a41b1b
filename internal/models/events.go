package models

import "time"

// Gateway event type names, as delivered in the `t` field.
const (
	EventReady         = "READY"
	EventGuildCreate   = "GUILD_CREATE"
	EventGuildUpdate   = "GUILD_UPDATE"
	EventGuildDelete   = "GUILD_DELETE"
	EventMemberChunk   = "GUILD_MEMBERS_CHUNK"
	EventMemberAdd     = "GUILD_MEMBER_ADD"
	EventMemberUpdate  = "GUILD_MEMBER_UPDATE"
	EventMemberRemove  = "GUILD_MEMBER_REMOVE"
	EventChannelCreate = "CHANNEL_CREATE"
	EventChannelUpdate = "CHANNEL_UPDATE"
	EventChannelDelete = "CHANNEL_DELETE"
	EventRoleCreate    = "GUILD_ROLE_CREATE"
	EventRoleUpdate    = "GUILD_ROLE_UPDATE"
	EventRoleDelete    = "GUILD_ROLE_DELETE"
)

// Event wraps one decoded gateway event for the dispatcher. Data holds
// the typed payload matching Type (e.g. *DiscordGuild for GUILD_CREATE).
type Event struct {
	Type      string
	ShardID   int
	Data      any
	Timestamp time.Time
}
