package cache

import "github.com/Rivistaa/Bathbot/internal/models"

const channelTypeDM = 1

// CachedChannel covers both guild channels and private (DM) channels.
// For DMs GuildID is empty and RecipientID carries the other side.
type CachedChannel struct {
	ID          string `json:"a"`
	GuildID     string `json:"b,omitempty"`
	Type        int    `json:"c,omitempty"`
	Name        string `json:"d,omitempty"`
	ParentID    string `json:"e,omitempty"`
	Position    int    `json:"f,omitempty"`
	Topic       string `json:"g,omitempty"`
	NSFW        bool   `json:"h,omitempty"`
	RecipientID string `json:"i,omitempty"`
}

func newGuildChannel(ch models.DiscordChannel, guildID string) *CachedChannel {
	return &CachedChannel{
		ID:       ch.ID,
		GuildID:  guildID,
		Type:     ch.Type,
		Name:     ch.Name,
		ParentID: ch.ParentID,
		Position: ch.Position,
		Topic:    ch.Topic,
		NSFW:     ch.NSFW,
	}
}

func newPrivateChannel(ch models.DiscordChannel) *CachedChannel {
	recipient := ""
	if len(ch.Recipients) == 1 {
		recipient = ch.Recipients[0].ID
	}
	return &CachedChannel{
		ID:          ch.ID,
		Type:        ch.Type,
		RecipientID: recipient,
	}
}

func (c *CachedChannel) IsPrivate() bool {
	return c.Type == channelTypeDM
}
