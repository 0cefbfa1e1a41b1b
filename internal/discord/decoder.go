package discord

import (
	"encoding/json"

	"github.com/Rivistaa/Bathbot/internal/models"
)

// decodeEventPayload maps a dispatch type to its typed payload. A nil
// result with nil error means the event kind is not mirrored.
func decodeEventPayload(eventType string, raw json.RawMessage) (any, error) {
	switch eventType {
	case models.EventReady:
		return decode[models.Ready](raw)
	case models.EventGuildCreate, models.EventGuildUpdate:
		return decode[models.DiscordGuild](raw)
	case models.EventGuildDelete:
		return decode[models.GuildDelete](raw)
	case models.EventMemberChunk:
		return decode[models.MemberChunk](raw)
	case models.EventMemberAdd:
		return decode[models.MemberAdd](raw)
	case models.EventMemberUpdate:
		return decode[models.MemberUpdate](raw)
	case models.EventMemberRemove:
		return decode[models.MemberRemove](raw)
	case models.EventChannelCreate, models.EventChannelUpdate, models.EventChannelDelete:
		return decode[models.DiscordChannel](raw)
	case models.EventRoleCreate, models.EventRoleUpdate:
		return decode[models.RoleCreate](raw)
	case models.EventRoleDelete:
		return decode[models.RoleDelete](raw)
	default:
		return nil, nil
	}
}

func decode[T any](raw json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
