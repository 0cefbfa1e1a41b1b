package cache

import (
	"sync/atomic"

	"github.com/Rivistaa/Bathbot/internal/models"
)

// CachedUser is the single shared record for a user across all guilds.
// The short JSON keys keep cold-resume chunks small; MutualGuilds is
// never persisted, it is rebuilt while guilds are restored.
type CachedUser struct {
	ID            string `json:"a"`
	Username      string `json:"b"`
	Discriminator string `json:"c,omitempty"`
	GlobalName    string `json:"d,omitempty"`
	Avatar        string `json:"e,omitempty"`
	Bot           bool   `json:"f,omitempty"`
	System        bool   `json:"g,omitempty"`
	PublicFlags   int    `json:"h,omitempty"`

	// MutualGuilds counts cached memberships referencing this user.
	// Eviction happens on the decrement that reaches zero, so two
	// concurrent removals can never both tear the user down. It is a
	// pointer so a profile refresh can swap in a new record while every
	// member handle keeps sharing the one counter.
	MutualGuilds *atomic.Int64 `json:"-"`
}

func newCachedUser(u models.DiscordUser) *CachedUser {
	return &CachedUser{
		MutualGuilds:  new(atomic.Int64),
		ID:            u.ID,
		Username:      u.Username,
		Discriminator: u.Discriminator,
		GlobalName:    u.GlobalName,
		Avatar:        u.Avatar,
		Bot:           u.Bot,
		System:        u.System,
		PublicFlags:   u.PublicFlags,
	}
}

// refreshed returns a record with the new profile sharing this user's
// mutual-guild counter.
func (u *CachedUser) refreshed(w models.DiscordUser) *CachedUser {
	fresh := newCachedUser(w)
	fresh.MutualGuilds = u.MutualGuilds
	return fresh
}

// sameAs reports whether the wire payload carries no visible change.
func (u *CachedUser) sameAs(w models.DiscordUser) bool {
	return u.Username == w.Username &&
		u.Discriminator == w.Discriminator &&
		u.GlobalName == w.GlobalName &&
		u.Avatar == w.Avatar
}
