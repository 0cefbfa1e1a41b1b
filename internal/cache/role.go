package cache

import "github.com/Rivistaa/Bathbot/internal/models"

// CachedRole doubles as its own persisted form.
type CachedRole struct {
	ID          string `json:"a"`
	Name        string `json:"b"`
	Color       int    `json:"c,omitempty"`
	Position    int    `json:"d,omitempty"`
	Permissions string `json:"e,omitempty"`
	Hoist       bool   `json:"f,omitempty"`
	Managed     bool   `json:"g,omitempty"`
	Mentionable bool   `json:"h,omitempty"`
}

func newCachedRole(r models.DiscordRole) *CachedRole {
	return &CachedRole{
		ID:          r.ID,
		Name:        r.Name,
		Color:       r.Color,
		Position:    r.Position,
		Permissions: r.Permissions,
		Hoist:       r.Hoist,
		Managed:     r.Managed,
		Mentionable: r.Mentionable,
	}
}
