package cache

import (
	"sync/atomic"

	"github.com/Rivistaa/Bathbot/internal/models"
)

// CachedGuild is the aggregate root for one guild. Its sub-maps are
// independently concurrent; the guild never takes a lock across them.
type CachedGuild struct {
	ID      string
	Name    string
	Icon    string
	OwnerID string

	members  *concMap[*CachedMember]
	channels *concMap[*CachedChannel]
	roles    *concMap[*CachedRole]
	emojis   *concMap[*CachedEmoji]

	// complete flips true once every member-chunk page has arrived.
	complete    atomic.Bool
	memberCount atomic.Int64
}

func newCachedGuild(g *models.DiscordGuild) *CachedGuild {
	guild := &CachedGuild{
		ID:       g.ID,
		Name:     g.Name,
		Icon:     g.Icon,
		OwnerID:  g.OwnerID,
		members:  newConcMap[*CachedMember](),
		channels: newConcMap[*CachedChannel](),
		roles:    newConcMap[*CachedRole](),
		emojis:   newConcMap[*CachedEmoji](),
	}
	guild.memberCount.Store(int64(g.MemberCount))
	for _, ch := range g.Channels {
		guild.channels.Set(ch.ID, newGuildChannel(ch, g.ID))
	}
	for _, r := range g.Roles {
		guild.roles.Set(r.ID, newCachedRole(r))
	}
	for _, e := range g.Emojis {
		guild.emojis.Set(e.ID, newCachedEmoji(e))
	}
	return guild
}

// applyUpdate mutates scalar metadata in place; sub-maps are untouched.
func (g *CachedGuild) applyUpdate(u *models.DiscordGuild) {
	g.Name = u.Name
	g.Icon = u.Icon
	g.OwnerID = u.OwnerID
}

func (g *CachedGuild) Complete() bool {
	return g.complete.Load()
}

func (g *CachedGuild) MemberCount() int64 {
	return g.memberCount.Load()
}

func (g *CachedGuild) Member(userID string) (*CachedMember, bool) {
	return g.members.Get(userID)
}

func (g *CachedGuild) Channel(channelID string) (*CachedChannel, bool) {
	return g.channels.Get(channelID)
}

func (g *CachedGuild) Role(roleID string) (*CachedRole, bool) {
	return g.roles.Get(roleID)
}

func (g *CachedGuild) Emoji(emojiID string) (*CachedEmoji, bool) {
	return g.emojis.Get(emojiID)
}

func (g *CachedGuild) Members() int {
	return g.members.Len()
}

// entityCount is the chunk-partitioning weight used by the snapshot codec.
func (g *CachedGuild) entityCount() int {
	return g.members.Len() + g.channels.Len() + g.roles.Len() + g.emojis.Len()
}

// coldGuild is the persisted form of a guild and everything it owns.
type coldGuild struct {
	ID          string           `json:"a"`
	Name        string           `json:"b"`
	Icon        string           `json:"c,omitempty"`
	OwnerID     string           `json:"d,omitempty"`
	MemberCount int64            `json:"e,omitempty"`
	Members     []coldMember     `json:"f,omitempty"`
	Channels    []*CachedChannel `json:"g,omitempty"`
	Roles       []*CachedRole    `json:"h,omitempty"`
	Emojis      []*CachedEmoji   `json:"i,omitempty"`
}

func (g *CachedGuild) freeze() coldGuild {
	cold := coldGuild{
		ID:          g.ID,
		Name:        g.Name,
		Icon:        g.Icon,
		OwnerID:     g.OwnerID,
		MemberCount: g.memberCount.Load(),
		Members:     make([]coldMember, 0, g.members.Len()),
		Channels:    make([]*CachedChannel, 0, g.channels.Len()),
		Roles:       make([]*CachedRole, 0, g.roles.Len()),
		Emojis:      make([]*CachedEmoji, 0, g.emojis.Len()),
	}
	g.members.Range(func(_ string, m *CachedMember) bool {
		cold.Members = append(cold.Members, m.freeze())
		return true
	})
	g.channels.Range(func(_ string, ch *CachedChannel) bool {
		cold.Channels = append(cold.Channels, ch)
		return true
	})
	g.roles.Range(func(_ string, r *CachedRole) bool {
		cold.Roles = append(cold.Roles, r)
		return true
	})
	g.emojis.Range(func(_ string, e *CachedEmoji) bool {
		cold.Emojis = append(cold.Emojis, e)
		return true
	})
	return cold
}
